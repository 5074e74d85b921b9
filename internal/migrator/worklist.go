package migrator

import (
	"regexp"

	"github.com/zulandar/kbmigrate/internal/models"
	"github.com/zulandar/kbmigrate/internal/source"
)

// workList selects the run's pending documents, applies the filter and
// limit, then puts dependencies first.
func (r *run) workList(filter *regexp.Regexp, limit int) ([]models.Document, error) {
	pending, err := r.store.GetDocumentsByStatus(r.record.ID, models.DocPending)
	if err != nil {
		return nil, err
	}

	selected := make([]models.Document, 0, len(pending))
	for _, d := range pending {
		if filter != nil && !filter.MatchString(d.Title) && !filter.MatchString(d.Organization) {
			continue
		}
		selected = append(selected, d)
		if limit > 0 && len(selected) == limit {
			break
		}
	}

	byLocator := make(map[string]models.Document, len(selected))
	locators := make([]string, 0, len(selected))
	for _, d := range selected {
		byLocator[d.Locator] = d
		locators = append(locators, d.Locator)
	}

	deps := source.Relationships(r.index.Entries())
	ordered := source.MigrationOrder(locators, deps)
	work := make([]models.Document, 0, len(ordered))
	for _, loc := range ordered {
		work = append(work, byLocator[loc])
	}
	return work, nil
}
