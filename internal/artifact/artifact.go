// Package artifact defines the identity model for watched configuration
// artifacts: certificate bundles deposited per domain and credential maps
// deposited per scope. Everything downstream of the watcher is keyed by
// (kind, scope).
package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Kind discriminates the artifact categories the engine knows how to reload.
type Kind string

const (
	// KindCertificateBundle is a per-domain directory holding a full-chain
	// certificate file and its private key file.
	KindCertificateBundle Kind = "cert-bundle"
	// KindCredentialMap is a single structured file per scope holding one
	// record per account.
	KindCredentialMap Kind = "credential-map"
)

// Valid reports whether k is a known artifact kind.
func (k Kind) Valid() bool {
	return k == KindCertificateBundle || k == KindCredentialMap
}

const (
	// FullChainFile is the certificate chain file name inside a scope directory.
	FullChainFile = "fullchain.pem"
	// PrivateKeyFile is the private key file name inside a scope directory.
	PrivateKeyFile = "privkey.pem"
)

// Key identifies an artifact independently of where it lives on disk.
type Key struct {
	Kind  Kind
	Scope string
}

// String renders the key as "kind/scope" for logs and audit entries.
func (k Key) String() string {
	return string(k.Kind) + "/" + k.Scope
}

// Ref binds a Key to its location under a watched root.
//
// For certificate bundles Path is the scope directory containing
// fullchain.pem and privkey.pem. For credential maps Path is the map file
// itself.
type Ref struct {
	Key
	Path string
}

// ChainPath returns the full-chain file location for certificate bundles.
func (r Ref) ChainPath() string {
	return filepath.Join(r.Path, FullChainFile)
}

// KeyPath returns the private key file location for certificate bundles.
func (r Ref) KeyPath() string {
	return filepath.Join(r.Path, PrivateKeyFile)
}

// Op enumerates filesystem change operations.
type Op string

const (
	OpCreated  Op = "created"
	OpModified Op = "modified"
	OpRemoved  Op = "removed"
)

// ChangeEvent is the normalized unit of work emitted by the watcher and
// consumed exactly once by the coordinator.
type ChangeEvent struct {
	Ref        Ref
	Op         Op
	ObservedAt time.Time
}

// Root pairs a watched directory with the artifact kind it produces.
type Root struct {
	Path string
	Kind Kind
}

// Classify maps an absolute path under root to the artifact it belongs to.
// Paths that are not artifact material (temp files, unrelated names, the
// root itself) return ok=false and must not produce events.
func (r Root) Classify(path string) (Ref, bool) {
	rel, err := filepath.Rel(r.Path, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return Ref{}, false
	}
	rel = filepath.ToSlash(rel)
	parts := strings.Split(rel, "/")
	base := parts[len(parts)-1]
	if TransientName(base) {
		return Ref{}, false
	}
	switch r.Kind {
	case KindCertificateBundle:
		// <scope>/fullchain.pem or <scope>/privkey.pem; deeper nesting is
		// issuance-client working state and is ignored.
		if len(parts) != 2 {
			return Ref{}, false
		}
		if base != FullChainFile && base != PrivateKeyFile {
			return Ref{}, false
		}
		scope := parts[0]
		if scope == "" {
			return Ref{}, false
		}
		return Ref{
			Key:  Key{Kind: KindCertificateBundle, Scope: scope},
			Path: filepath.Join(r.Path, scope),
		}, true
	case KindCredentialMap:
		if len(parts) != 1 {
			return Ref{}, false
		}
		ext := strings.ToLower(filepath.Ext(base))
		if ext != ".yaml" && ext != ".yml" {
			return Ref{}, false
		}
		scope := strings.TrimSuffix(base, filepath.Ext(base))
		if scope == "" {
			return Ref{}, false
		}
		return Ref{
			Key:  Key{Kind: KindCredentialMap, Scope: scope},
			Path: path,
		}, true
	default:
		return Ref{}, false
	}
}

// TransientName reports whether a file name matches editor/writer temp
// patterns (dotfiles, backup suffixes, rename-swap leftovers).
func TransientName(name string) bool {
	if name == "" {
		return true
	}
	if strings.HasPrefix(name, ".") {
		return true
	}
	if strings.HasSuffix(name, "~") {
		return true
	}
	for _, suffix := range []string{".tmp", ".swp", ".swx", ".part", ".partial"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// ExpandScope substitutes the {scope} placeholder in configured path and
// address templates.
func ExpandScope(pattern, scope string) string {
	return strings.ReplaceAll(pattern, "{scope}", scope)
}

// ParseKey parses a "kind/scope" string back into a Key.
func ParseKey(s string) (Key, error) {
	kind, scope, found := strings.Cut(s, "/")
	if !found || scope == "" {
		return Key{}, fmt.Errorf("artifact: invalid key %q", s)
	}
	k := Kind(kind)
	if !k.Valid() {
		return Key{}, fmt.Errorf("artifact: unknown kind %q", kind)
	}
	return Key{Kind: k, Scope: scope}, nil
}
