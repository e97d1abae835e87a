// Package credmap models the credential map artifact: a YAML file declaring
// mail domains and their accounts. It parses, normalises, and derives the
// service-facing map files (virtual mailbox map, alias map, and the IMAP
// passwd database) that the dual-daemon reload strategy makes live.
package credmap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// File is the top-level credential map document.
type File struct {
	Domains []Domain `yaml:"domains"`
}

// Domain groups the accounts of one mail domain.
type Domain struct {
	Name  string `yaml:"name"`
	Users []User `yaml:"users"`
}

// User is a single account record. Password carries a pre-computed crypt
// hash; the engine never hashes secrets itself.
type User struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Aliases  []string `yaml:"aliases,omitempty"`
	Enabled  *bool    `yaml:"enabled,omitempty"`
	Quota    string   `yaml:"quota,omitempty"`
	Services []string `yaml:"services,omitempty"`
}

// Account is a normalised view of a user record with its fully qualified
// address resolved against the owning domain.
type Account struct {
	Address  string
	Password string
	Aliases  []string
	Enabled  bool
	Quota    int64
	Services []string
}

// hashPrefixes lists the crypt scheme markers accepted as hashed credentials.
var hashPrefixes = []string{"$6$", "$5$", "$2b$", "$2y$", "$argon2"}

// Hashed reports whether credential looks like a crypt-style hash rather
// than a plaintext secret.
func Hashed(credential string) bool {
	for _, prefix := range hashPrefixes {
		if strings.HasPrefix(credential, prefix) {
			return true
		}
	}
	return strings.HasPrefix(credential, "{") && strings.Contains(credential, "}")
}

// Parse unmarshals data into a File without semantic checks. Use Accounts to
// normalise and validate the records.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("credmap: parse: %w", err)
	}
	return &f, nil
}

// Accounts flattens the document into normalised records, enforcing the
// structural rules: non-empty identifiers, hashed credentials, parseable
// quotas, and no duplicate primary keys (addresses or aliases).
func (f *File) Accounts() ([]Account, error) {
	seen := make(map[string]string)
	var accounts []Account
	for di, domain := range f.Domains {
		name := strings.TrimSpace(strings.ToLower(domain.Name))
		if name == "" {
			return nil, fmt.Errorf("credmap: domain %d has empty name", di)
		}
		for ui, user := range domain.Users {
			username := strings.TrimSpace(strings.ToLower(user.Username))
			if username == "" {
				return nil, fmt.Errorf("credmap: domain %q user %d has empty username", name, ui)
			}
			address := username
			if !strings.Contains(address, "@") {
				address = username + "@" + name
			}
			if prev, dup := seen[address]; dup {
				return nil, fmt.Errorf("credmap: duplicate account %q (also declared as %s)", address, prev)
			}
			seen[address] = "account"
			if strings.TrimSpace(user.Password) == "" {
				return nil, fmt.Errorf("credmap: account %q has empty credential", address)
			}
			if !Hashed(user.Password) {
				return nil, fmt.Errorf("credmap: account %q credential is not a recognised hash", address)
			}
			quota, err := ParseQuota(user.Quota)
			if err != nil {
				return nil, fmt.Errorf("credmap: account %q: %w", address, err)
			}
			enabled := user.Enabled == nil || *user.Enabled
			services := user.Services
			if len(services) == 0 {
				services = []string{"mail"}
			}
			var aliases []string
			for _, alias := range user.Aliases {
				alias = strings.TrimSpace(strings.ToLower(alias))
				if alias == "" {
					return nil, fmt.Errorf("credmap: account %q has empty alias", address)
				}
				if !strings.Contains(alias, "@") {
					alias = alias + "@" + name
				}
				if prev, dup := seen[alias]; dup {
					return nil, fmt.Errorf("credmap: duplicate alias %q (already a %s)", alias, prev)
				}
				seen[alias] = "alias"
				aliases = append(aliases, alias)
			}
			accounts = append(accounts, Account{
				Address:  address,
				Password: user.Password,
				Aliases:  aliases,
				Enabled:  enabled,
				Quota:    quota,
				Services: services,
			})
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Address < accounts[j].Address })
	return accounts, nil
}

// HasService reports whether the account subscribes to the named service.
func (a Account) HasService(name string) bool {
	for _, svc := range a.Services {
		if svc == name {
			return true
		}
	}
	return false
}

// ParseQuota converts a quota string ("100M", "1G", "1.5GiB", plain bytes)
// to bytes. Bare K/M/G/T suffixes are interpreted as binary multiples, which
// is what the mailbox quota enforcement expects.
func ParseQuota(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	upper := strings.ToUpper(s)
	if len(upper) > 1 {
		switch upper[len(upper)-1] {
		case 'K', 'M', 'G', 'T':
			upper += "IB"
		}
	}
	bytes, err := humanize.ParseBytes(upper)
	if err != nil {
		return 0, fmt.Errorf("invalid quota %q: %w", s, err)
	}
	return int64(bytes), nil
}

// FormatQuota renders bytes using binary units for status output.
func FormatQuota(bytes int64) string {
	if bytes <= 0 {
		return "0"
	}
	return humanize.IBytes(uint64(bytes))
}
