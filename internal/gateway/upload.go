package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/zulandar/kbmigrate/internal/errs"
)

const uploadModule = "kb"

type uploadResponse struct {
	Data []UploadResult `json:"data"`
}

// UploadFile uploads the file at path.
func (c *Client) UploadFile(ctx context.Context, path string) (UploadResult, error) {
	name := filepath.Base(path)
	info, err := c.fs.Stat(path)
	if err != nil {
		return UploadResult{}, errs.New(errs.KindFileNotFound, "gateway: upload "+name, err)
	}
	if err := c.checkSize(name, info.Size()); err != nil {
		return UploadResult{}, err
	}
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return UploadResult{}, errs.New(errs.KindFileNotFound, "gateway: upload "+name, err)
	}
	return c.UploadBytes(ctx, data, name, mimetype.Detect(data).String())
}

// UploadBase64 decodes b64 and uploads the bytes.
func (c *Client) UploadBase64(ctx context.Context, b64, filename, mime string) (UploadResult, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return UploadResult{}, errs.New(errs.KindValidation, "gateway: upload "+filename, fmt.Errorf("decode base64: %w", err))
	}
	return c.UploadBytes(ctx, data, filename, mime)
}

// UploadBytes uploads data as filename. Content already uploaded by this
// process is answered from the hash cache without a network call.
func (c *Client) UploadBytes(ctx context.Context, data []byte, filename, mime string) (UploadResult, error) {
	if err := c.checkSize(filename, int64(len(data))); err != nil {
		return UploadResult{}, err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if url, ok := c.files.Get(hash); ok {
		return UploadResult{FileName: filename, OriginalFileName: filename, FileSize: int64(len(data)), URL: url, Hash: hash, Cached: true}, nil
	}
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}

	v, err, shared := c.flight.Do("upload:"+hash, func() (interface{}, error) {
		if url, ok := c.files.Get(hash); ok {
			return UploadResult{FileName: filename, OriginalFileName: filename, FileSize: int64(len(data)), URL: url, Cached: true}, nil
		}
		if err := c.uploads.Acquire(ctx, 1); err != nil {
			return UploadResult{}, err
		}
		defer c.uploads.Release(1)

		res, err := c.upload(ctx, data, filename, mime)
		if err != nil {
			return UploadResult{}, err
		}
		c.files.Set(hash, res.URL)
		return res, nil
	})
	if err != nil {
		return UploadResult{}, err
	}
	res := v.(UploadResult)
	res.Hash = hash
	res.Cached = res.Cached || shared
	return res, nil
}

func (c *Client) checkSize(name string, size int64) error {
	if c.opts.MaxUploadSize > 0 && size > c.opts.MaxUploadSize {
		return errs.Newf(errs.KindValidation, "gateway: upload "+name,
			"file too large: %d bytes (max: %d)", size, c.opts.MaxUploadSize)
	}
	return nil
}

func (c *Client) upload(ctx context.Context, data []byte, filename, mime string) (UploadResult, error) {
	op := "gateway: upload " + filename
	var res UploadResult
	err := c.do(ctx, "upload", func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.opts.UploadTimeout)
		defer cancel()

		resp, err := c.http.R().
			SetContext(reqCtx).
			SetMultipartField("files", filename, mime, bytes.NewReader(data)).
			SetFormData(map[string]string{"module": uploadModule}).
			Post("/upload")
		if err != nil {
			return transportErr(op, err)
		}
		if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
			return statusErr(op, resp)
		}
		var body uploadResponse
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			return errs.New(errs.KindAPI, op, fmt.Errorf("decode response: %w", err))
		}
		if len(body.Data) == 0 || body.Data[0].URL == "" {
			return errs.Newf(errs.KindAPI, op, "upload response has no url")
		}
		res = body.Data[0]
		return nil
	})
	if err != nil {
		return UploadResult{}, err
	}
	c.log.WithFields(logrus.Fields{"file": filename, "bytes": len(data)}).Debug("attachment uploaded")
	return res, nil
}
