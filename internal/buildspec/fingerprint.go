// SPDX-License-Identifier: MPL-2.0

package buildspec

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// hashMemoSize bounds the per-path content-hash memo.
	hashMemoSize = 4096
	// hashMemoTTL expires memo entries so long-running processes don't
	// trust stale stat signatures forever.
	hashMemoTTL = 10 * time.Minute
)

// ErrFingerprint is the sentinel error wrapped by FingerprintError.
var ErrFingerprint = errors.New("fingerprint error")

type (
	// Fingerprint is a deterministic digest of a BuildSpec, used as the
	// image cache key. Identical spec plus identical file bytes always
	// yields an identical Fingerprint, on any machine.
	Fingerprint string

	// FingerprintError reports an unreadable or out-of-root path declared
	// by a BuildSpec. Fatal: never retried.
	FingerprintError struct {
		Path   string
		Reason string
		Err    error
	}

	// memoKey identifies a file's content by its stat signature. A changed
	// size or mtime invalidates the memo entry and forces a re-read.
	memoKey struct {
		path  string
		size  int64
		mtime int64
	}

	// Fingerprinter computes BuildSpec fingerprints. File content hashes
	// are memoized by stat signature so repeated fingerprinting of a large
	// project does not re-read unchanged files.
	Fingerprinter struct {
		root string
		memo *expirable.LRU[memoKey, string]
	}
)

// Error implements the error interface.
func (e *FingerprintError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fingerprint: %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("fingerprint: %s: %s", e.Path, e.Reason)
}

// Unwrap returns the wrapped cause, or ErrFingerprint for errors.Is checks.
func (e *FingerprintError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrFingerprint
}

// Is reports whether target is ErrFingerprint.
func (e *FingerprintError) Is(target error) bool { return target == ErrFingerprint }

// Short returns the leading 16 hex characters, used as the image tag suffix.
func (f Fingerprint) Short() string {
	if len(f) < 16 {
		return string(f)
	}
	return string(f[:16])
}

// NewFingerprinter creates a Fingerprinter rooted at the given project
// directory. Copy sources are resolved against the root and must not escape
// it.
func NewFingerprinter(root string) *Fingerprinter {
	return &Fingerprinter{
		root: root,
		memo: expirable.NewLRU[memoKey, string](hashMemoSize, nil, hashMemoTTL),
	}
}

// Fingerprint computes the spec's deterministic digest. The canonical form
// sorts every list so declaration order never affects equivalence, and folds
// in bundled file contents by value: a one-byte change in any referenced file
// changes the result.
func (f *Fingerprinter) Fingerprint(spec *BuildSpec) (Fingerprint, error) {
	h := sha256.New()

	writeField(h, "base", spec.BaseImage)
	writeField(h, "lang", spec.LanguageVersion)
	for _, pkg := range sortedCopy(spec.SystemPackages) {
		writeField(h, "sys", pkg)
	}
	for _, pkg := range sortedCopy(spec.LanguagePackages) {
		writeField(h, "pkg", pkg)
	}
	for _, cmd := range sortedCopy(spec.RunCommands) {
		writeField(h, "run", cmd)
	}

	srcs := make([]string, 0, len(spec.Copy))
	for src := range spec.Copy {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)
	for _, src := range srcs {
		contentHash, err := f.hashPath(src)
		if err != nil {
			return "", err
		}
		writeField(h, "copy", src+">"+spec.Copy[src]+":"+contentHash)
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// Resolve maps a copy source to its absolute path, rejecting paths that
// escape the project root.
func (f *Fingerprinter) Resolve(src string) (string, error) {
	abs := src
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(f.root, src)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(f.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &FingerprintError{Path: src, Reason: "resolves outside the project root"}
	}
	return abs, nil
}

// hashPath hashes a file's contents, or a directory's full recursive file
// set with each entry keyed by its path relative to the copy root.
func (f *Fingerprinter) hashPath(src string) (string, error) {
	abs, err := f.Resolve(src)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", &FingerprintError{Path: src, Reason: "path does not exist", Err: err}
	}

	if !info.IsDir() {
		return f.hashFile(abs, info)
	}

	h := sha256.New()
	walkErr := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &FingerprintError{Path: path, Reason: "unreadable path", Err: err}
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return &FingerprintError{Path: path, Reason: "unreadable path", Err: err}
		}
		rel, _ := filepath.Rel(abs, path)
		fileHash, err := f.hashFile(path, fi)
		if err != nil {
			return err
		}
		writeField(h, "entry", filepath.ToSlash(rel)+"="+fileHash)
		return nil
	})
	if walkErr != nil {
		return "", walkErr
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashFile returns the content hash for a single file, memoized by stat
// signature.
func (f *Fingerprinter) hashFile(path string, info fs.FileInfo) (string, error) {
	key := memoKey{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()}
	if cached, ok := f.memo.Get(key); ok {
		return cached, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", &FingerprintError{Path: path, Reason: "unreadable path", Err: err}
	}
	defer func() { _ = file.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", &FingerprintError{Path: path, Reason: "read failed", Err: err}
	}

	sum := hex.EncodeToString(h.Sum(nil))
	f.memo.Add(key, sum)
	return sum, nil
}

// writeField writes a length-prefixed labeled value, so adjacent fields can
// never collide by concatenation.
func writeField(h hash.Hash, label, value string) {
	fmt.Fprintf(h, "%s:%d:%s\x00", label, len(value), value)
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
