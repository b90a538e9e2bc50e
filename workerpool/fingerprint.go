// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package workerpool

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/buntime/buntime/manifest"
)

// Fingerprint derives the cache fingerprint of a normalized worker config:
// the SHA-256 of its canonical JSON form. Any config change yields a new
// fingerprint and therefore a distinct pool entry.
func Fingerprint(cfg *manifest.Worker) string {
	sum := sha256.Sum256(cfg.CanonicalJSON())
	return hex.EncodeToString(sum[:])
}

// cacheKey joins the application directory and config fingerprint into the
// pool cache key. The NUL separator cannot occur in either part.
func cacheKey(appDir, fingerprint string) string {
	return appDir + "\x00" + fingerprint
}
