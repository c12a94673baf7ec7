/*
Copyright © 2024 the HABSIM authors.
This file is part of HABSIM.

HABSIM is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

HABSIM is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with HABSIM.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package store is a thin, retrying client over the remote object store
// holding GEFS wind archives, elevation grids, and the active-cycle
// pointer file. It wraps a gocloud.dev/blob.Bucket, which is the live
// successor of InMAP's own vendored blob package and works unmodified
// against file://, gs://, and s3:// bucket URLs.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ezzheng/habsim-sub000/herr"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
)

// Head is the metadata returned by a cheap existence/freshness probe.
type Head struct {
	ETag string
	Size int64
}

// Client fetches artifacts from a blob.Bucket with retry-with-backoff and a
// short-lived, ETag-revalidated cache for get_text bodies, matching
// cloud/blob.go's readBlob/writeBlob pattern adapted for read-mostly,
// retrying access.
type Client struct {
	Bucket *blob.Bucket
	Log    logrus.FieldLogger

	textCacheTTL time.Duration

	mu        sync.Mutex
	textCache map[string]cachedText
}

type cachedText struct {
	body     string
	etag     string
	fetchedAt time.Time
}

// New wraps bucket in a Client. log may be nil, in which case a
// logrus.StandardLogger is used.
func New(bucket *blob.Bucket, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		Bucket:       bucket,
		Log:          log,
		textCacheTTL: 15 * time.Second,
		textCache:    make(map[string]cachedText),
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// Head returns the ETag and size of the named artifact without downloading
// its body. A missing artifact returns an herr.ArtifactMissing error, which
// is not retried.
func (c *Client) Head(ctx context.Context, name string) (Head, error) {
	var h Head
	op := func() error {
		attrs, err := c.Bucket.Attributes(ctx, name)
		if err != nil {
			if c.Bucket.IsNotExist(err) {
				return backoff.Permanent(herr.Newf(herr.ArtifactMissing, "store: head %s: %v", name, err))
			}
			return fmt.Errorf("store: head %s: %v", name, err)
		}
		h = Head{ETag: attrs.ETag, Size: attrs.Size}
		return nil
	}
	if err := backoff.RetryNotify(op, newBackoff(), c.notify(name, "head")); err != nil {
		return Head{}, unwrapPermanent(err)
	}
	return h, nil
}

// GetText returns the body of a small text artifact, such as the
// active-cycle pointer file. Bodies are cached for 15 seconds; after that,
// a fresh head() call revalidates the ETag before deciding whether to
// re-download, so the active-cycle check stays both fresh and cheap.
func (c *Client) GetText(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	cached, ok := c.textCache[name]
	c.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < c.textCacheTTL {
		return cached.body, nil
	}

	if ok {
		h, err := c.Head(ctx, name)
		if err == nil && h.ETag == cached.etag {
			c.mu.Lock()
			cached.fetchedAt = time.Now()
			c.textCache[name] = cached
			c.mu.Unlock()
			return cached.body, nil
		}
	}

	var body []byte
	var etag string
	readOp := func() error {
		r, err := c.Bucket.NewReader(ctx, name, nil)
		if err != nil {
			if c.Bucket.IsNotExist(err) {
				return backoff.Permanent(herr.Newf(herr.ArtifactMissing, "store: get_text %s: %v", name, err))
			}
			return fmt.Errorf("store: get_text open %s: %v", name, err)
		}
		defer r.Close()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return fmt.Errorf("store: get_text read %s: %v", name, err)
		}
		body = buf.Bytes()
		return nil
	}
	if err := backoff.RetryNotify(readOp, newBackoff(), c.notify(name, "get_text")); err != nil {
		return "", unwrapPermanent(err)
	}

	if attrs, err := c.Bucket.Attributes(ctx, name); err == nil {
		etag = attrs.ETag
	}

	c.mu.Lock()
	c.textCache[name] = cachedText{body: string(body), etag: etag, fetchedAt: time.Now()}
	c.mu.Unlock()
	return string(body), nil
}

// GetBlob streams the named artifact to sinkPath, writing through a
// temporary file and renaming into place so a reader never observes a
// partial download.
func (c *Client) GetBlob(ctx context.Context, name, sinkPath string) error {
	op := func() error {
		r, err := c.Bucket.NewReader(ctx, name, nil)
		if err != nil {
			if c.Bucket.IsNotExist(err) {
				return backoff.Permanent(herr.Newf(herr.ArtifactMissing, "store: get_blob %s: %v", name, err))
			}
			return fmt.Errorf("store: get_blob open %s: %v", name, err)
		}
		defer r.Close()

		tmp, err := os.CreateTemp(dirOf(sinkPath), ".habsim-dl-*")
		if err != nil {
			return fmt.Errorf("store: get_blob temp file: %v", err)
		}
		defer os.Remove(tmp.Name())

		if _, err := io.Copy(tmp, r); err != nil {
			tmp.Close()
			return fmt.Errorf("store: get_blob copy %s: %v", name, err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("store: get_blob close temp: %v", err)
		}
		if err := os.Rename(tmp.Name(), sinkPath); err != nil {
			return fmt.Errorf("store: get_blob rename into place: %v", err)
		}
		return nil
	}
	if err := backoff.RetryNotify(op, newBackoff(), c.notify(name, "get_blob")); err != nil {
		return unwrapPermanent(err)
	}
	return nil
}

func (c *Client) notify(name, op string) backoff.Notify {
	return func(err error, wait time.Duration) {
		c.Log.WithFields(logrus.Fields{
			"artifact": name,
			"op":       op,
			"wait":     wait,
		}).Warnf("store: retrying after error: %v", err)
	}
}

func unwrapPermanent(err error) error {
	if pe, ok := err.(*backoff.PermanentError); ok {
		return pe.Err
	}
	return err
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
