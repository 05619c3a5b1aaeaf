// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/siderolabs/go-retry/retry"
	"go.uber.org/zap"
)

var (
	httpClient = cleanhttp.DefaultPooledClient()

	fetchTimeout    = 5 * time.Minute
	fetchRetryUnits = 2 * time.Second
)

// fetchPackage downloads src to dst, checking the size and hash published in
// the package index while streaming. HTTP failures are retried; an integrity
// mismatch is not.
func fetchPackage(ctx context.Context, log *zap.Logger, pkg string, src PackageURI, dst string) error {
	if src.SHA256 == "" {
		return &IntegrityError{Package: pkg, Reason: "the package index publishes no SHA256 hash"}
	}
	u, err := url.Parse(src.URI)
	if err != nil {
		return &PackageNotFoundError{Package: pkg, Err: err}
	}

	switch u.Scheme {
	case "file", "copy":
		in, err := appFs.Open(u.Path)
		if err != nil {
			return &PackageNotFoundError{Package: pkg, Err: err}
		}
		defer in.Close()
		return storeVerified(pkg, src, in, dst)
	case "http", "https":
	default:
		return &PackageNotFoundError{Package: pkg, Err: fmt.Errorf("unsupported URI scheme %q", u.Scheme)}
	}

	var last error
	err = retry.Constant(fetchTimeout, retry.WithUnits(fetchRetryUnits)).RetryWithContext(ctx, func(ctx context.Context) error {
		last = download(ctx, pkg, src, dst)
		var transient *transientError
		if errors.As(last, &transient) {
			log.Warn("download failed, retrying", zap.String("uri", src.URI), zap.Error(last))
			return retry.ExpectedError(last)
		}
		return last
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if last != nil {
			return last
		}
		return err
	}
	return nil
}

// transientError marks a download failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

func download(ctx context.Context, pkg string, src PackageURI, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URI, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return &transientError{err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return &PackageNotFoundError{Package: pkg, Err: fmt.Errorf("%s: %s", src.URI, resp.Status)}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &transientError{fmt.Errorf("%s: %s", src.URI, resp.Status)}
	default:
		return fmt.Errorf("%s: %s", src.URI, resp.Status)
	}

	err = storeVerified(pkg, src, resp.Body, dst)
	var integrity *IntegrityError
	if err != nil && !errors.As(err, &integrity) && ctx.Err() == nil {
		// Connection dropped mid-body.
		return &transientError{err}
	}
	return err
}

// storeVerified copies r to dst, failing with IntegrityError if the content
// does not match src. dst is removed on failure.
func storeVerified(pkg string, src PackageURI, r io.Reader, dst string) (err error) {
	out, err := appFs.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			appFs.Remove(dst)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), io.LimitReader(r, src.Size+1))
	if err != nil {
		return err
	}
	if n != src.Size {
		return &IntegrityError{Package: pkg, Reason: fmt.Sprintf("size is %d bytes, expected %d", n, src.Size)}
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != src.SHA256 {
		return &IntegrityError{Package: pkg, Reason: fmt.Sprintf("SHA256 is %s, expected %s", sum, src.SHA256)}
	}
	return nil
}
