package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/zulandar/kbmigrate/internal/errs"
)

const pageSize = 100

const (
	queryKbItems = `query GetKbItems($page: Int, $pageSize: Int) {
  getKbItems(listInfo: {page: $page, pageSize: $pageSize}) {
    items { itemId name itemType description }
    listInfo { page pageSize totalCount }
  }
}`

	mutationCreateArticle = `mutation CreateKbArticle($input: CreateKbArticleInput!) {
  createKbArticle(input: $input) { itemId name }
}`

	mutationCreateCollection = `mutation CreateKbCollection($input: CreateKbCollectionInput!) {
  createKbCollection(input: $input) { itemId name }
}`
)

// itemCollection marks collection entries in item listings.
const itemCollection = "COLLECTION"

type kbItem struct {
	ItemID   string `json:"itemId"`
	Name     string `json:"name"`
	ItemType string `json:"itemType"`
}

type kbItemsPage struct {
	GetKbItems struct {
		Items    []kbItem `json:"items"`
		ListInfo struct {
			Page       int `json:"page"`
			PageSize   int `json:"pageSize"`
			TotalCount int `json:"totalCount"`
		} `json:"listInfo"`
	} `json:"getKbItems"`
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage          `json:"data"`
	Errors []map[string]interface{} `json:"errors"`
}

// execute posts one GraphQL operation and decodes its data into out.
func (c *Client) execute(ctx context.Context, op, query string, vars map[string]interface{}, out interface{}) error {
	opName := "gateway: " + op
	return c.do(ctx, op, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		start := time.Now()
		resp, err := c.http.R().
			SetContext(reqCtx).
			SetHeader("Content-Type", "application/json").
			SetBody(graphqlRequest{Query: query, Variables: vars}).
			Post("")
		if err != nil {
			return transportErr(opName, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return statusErr(opName, resp)
		}

		var body graphqlResponse
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			return errs.New(errs.KindAPI, opName, fmt.Errorf("decode response: %w", err))
		}
		if len(body.Errors) > 0 {
			e := errs.New(errs.KindAPI, opName, fmt.Errorf("graphql errors: %s", errorMessages(body.Errors)))
			e.Payload = body.Errors
			return e
		}
		if out != nil && len(body.Data) > 0 {
			if err := json.Unmarshal(body.Data, out); err != nil {
				return errs.New(errs.KindAPI, opName, fmt.Errorf("decode data: %w", err))
			}
		}
		c.log.WithField("op", op).WithField("duration_ms", time.Since(start).Milliseconds()).Debug("graphql ok")
		return nil
	})
}

func transportErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errs.New(errs.KindNetwork, op, err)
}

// statusErr classifies a non-200 response.
func statusErr(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	cause := fmt.Errorf("HTTP %d: %s", code, snippet(resp.Body()))
	var e *errs.Error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e = errs.New(errs.KindAuthentication, op, cause)
	case code == http.StatusTooManyRequests:
		e = errs.New(errs.KindRateLimit, op, cause)
		e.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"), time.Now())
	case code >= 500:
		e = errs.New(errs.KindAPI, op, cause)
		e.Transient = true
	default:
		e = errs.New(errs.KindAPI, op, cause)
	}
	var body graphqlResponse
	if json.Unmarshal(resp.Body(), &body) == nil && len(body.Errors) > 0 {
		e.Payload = body.Errors
	}
	return e
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if r := []rune(s); len(r) > 200 {
		s = string(r[:200]) + "..."
	}
	if s == "" {
		s = "empty response"
	}
	return s
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func errorMessages(list []map[string]interface{}) string {
	msgs := make([]string, 0, len(list))
	for _, e := range list {
		if m, ok := e["message"].(string); ok && m != "" {
			msgs = append(msgs, m)
		}
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("%d error(s)", len(list))
	}
	return strings.Join(msgs, "; ")
}

func (c *Client) listPage(ctx context.Context, page, size int) (*kbItemsPage, error) {
	var out kbItemsPage
	err := c.execute(ctx, "getKbItems", queryKbItems, map[string]interface{}{"page": page, "pageSize": size}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TestConnection reads one item page. It reports false on any failure.
func (c *Client) TestConnection(ctx context.Context) bool {
	if _, err := c.listPage(ctx, 1, 1); err != nil {
		c.log.WithError(err).Error("connection test failed")
		return false
	}
	return true
}

// indexItems pages through the full item listing once, caching article
// titles and collection names. The first item seen with a name wins.
func (c *Client) indexItems(ctx context.Context) error {
	if c.indexed.Load() {
		return nil
	}
	_, err, _ := c.flight.Do("index", func() (interface{}, error) {
		if c.indexed.Load() {
			return nil, nil
		}
		for page := 1; ; page++ {
			resp, err := c.listPage(ctx, page, pageSize)
			if err != nil {
				return nil, err
			}
			items := resp.GetKbItems.Items
			if len(items) == 0 {
				break
			}
			for _, it := range items {
				if it.ItemType == itemCollection {
					c.collections.SetIfAbsent(it.Name, it.ItemID)
				} else {
					c.titles.SetIfAbsent(it.Name, it.ItemID)
				}
			}
			if page*pageSize >= resp.GetKbItems.ListInfo.TotalCount {
				break
			}
		}
		c.indexed.Store(true)
		c.log.WithField("articles", c.titles.Len()).WithField("collections", c.collections.Len()).Debug("item listing indexed")
		return nil, nil
	})
	return err
}

// CheckArticleExists reports the id of an article with exactly this title.
func (c *Client) CheckArticleExists(ctx context.Context, title string) (string, bool, error) {
	if id, ok := c.titles.Get(title); ok {
		return id, true, nil
	}
	if err := c.indexItems(ctx); err != nil {
		return "", false, err
	}
	id, ok := c.titles.Get(title)
	return id, ok, nil
}

// CreateArticle publishes an article visible to all requesters and
// technicians under the given collection, or the default collection.
func (c *Client) CreateArticle(ctx context.Context, in ArticleInput) (Article, error) {
	collection := in.CollectionID
	if collection == "" {
		id, err := c.GetOrCreateCollection(ctx, c.opts.DefaultCollection)
		if err != nil {
			return Article{}, err
		}
		collection = id
	}
	input := map[string]interface{}{
		"name":    in.Title,
		"content": in.Content,
		"parent":  map[string]string{"itemId": collection},
		"status":  "PUBLISHED",
		"visibility": map[string]interface{}{
			"added": []map[string]string{
				{
					"portalType":         "REQUESTER",
					"clientSharedType":   "AllClients",
					"siteSharedType":     "AllSites",
					"userRoleSharedType": "AllRoles",
				},
				{
					"portalType":      "TECHNICIAN",
					"userSharedType":  "AllUsers",
					"groupSharedType": "AllGroups",
				},
			},
		},
		"loginRequired": false,
	}
	var out struct {
		CreateKbArticle *Article `json:"createKbArticle"`
	}
	if err := c.execute(ctx, "createKbArticle", mutationCreateArticle, map[string]interface{}{"input": input}, &out); err != nil {
		return Article{}, err
	}
	if out.CreateKbArticle == nil || out.CreateKbArticle.ID == "" {
		return Article{}, errs.Newf(errs.KindAPI, "gateway: createKbArticle", "failed to create article: empty response")
	}
	c.titles.Set(in.Title, out.CreateKbArticle.ID)
	c.log.WithField("article_id", out.CreateKbArticle.ID).WithField("title", in.Title).Info("article created")
	return *out.CreateKbArticle, nil
}

// GetOrCreateCollection returns the id of the named collection, creating
// it when the remote listing does not have it. Concurrent callers for the
// same name share one lookup and at most one create.
func (c *Client) GetOrCreateCollection(ctx context.Context, name string) (string, error) {
	if id, ok := c.collections.Get(name); ok {
		return id, nil
	}
	v, err, _ := c.flight.Do("collection:"+name, func() (interface{}, error) {
		if id, ok := c.collections.Get(name); ok {
			return id, nil
		}
		if err := c.indexItems(ctx); err != nil {
			return "", err
		}
		if id, ok := c.collections.Get(name); ok {
			return id, nil
		}
		var out struct {
			CreateKbCollection *kbItem `json:"createKbCollection"`
		}
		vars := map[string]interface{}{"input": map[string]string{"name": name}}
		if err := c.execute(ctx, "createKbCollection", mutationCreateCollection, vars, &out); err != nil {
			return "", err
		}
		if out.CreateKbCollection == nil || out.CreateKbCollection.ItemID == "" {
			return "", errs.Newf(errs.KindAPI, "gateway: createKbCollection", "failed to create collection %q: empty response", name)
		}
		c.collections.Set(name, out.CreateKbCollection.ItemID)
		c.log.WithField("collection", name).Info("collection created")
		return out.CreateKbCollection.ItemID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
