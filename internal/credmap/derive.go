package credmap

import (
	"fmt"
	"path"
	"strings"
)

// DeriveOptions control how the service-facing map files are rendered.
type DeriveOptions struct {
	// UserDataRoot is where per-account mail directories live, e.g.
	// /data/user-data. Mailbox locations and IMAP home directories are
	// derived relative to it.
	UserDataRoot string
	// VirtualUID and VirtualGID name the owner of virtual mailboxes in the
	// passwd database. Defaults to "vmail".
	VirtualUID string
	VirtualGID string
}

func (o DeriveOptions) uid() string {
	if o.VirtualUID == "" {
		return "vmail"
	}
	return o.VirtualUID
}

func (o DeriveOptions) gid() string {
	if o.VirtualGID == "" {
		return "vmail"
	}
	return o.VirtualGID
}

// MailboxMap renders the MTA virtual mailbox map: one "address maildir/"
// line per enabled mail account. The maildir is relative to the MTA's
// virtual mailbox base and always ends with a slash (maildir delivery).
func MailboxMap(accounts []Account) []byte {
	var b strings.Builder
	for _, acct := range accounts {
		if !acct.Enabled || !acct.HasService("mail") {
			continue
		}
		fmt.Fprintf(&b, "%s users/%s/mail/Maildir/\n", acct.Address, acct.Address)
	}
	return []byte(b.String())
}

// AliasMap renders the MTA virtual alias map: one "alias target" line per
// alias of an enabled account.
func AliasMap(accounts []Account) []byte {
	var b strings.Builder
	for _, acct := range accounts {
		if !acct.Enabled {
			continue
		}
		for _, alias := range acct.Aliases {
			fmt.Fprintf(&b, "%s %s\n", alias, acct.Address)
		}
	}
	return []byte(b.String())
}

// PasswdFile renders the IMAP daemon's passwd database:
// user:hash:uid:gid:gecos:home:shell:extra. Quota is carried in the extra
// field when set.
func PasswdFile(accounts []Account, opts DeriveOptions) []byte {
	var b strings.Builder
	for _, acct := range accounts {
		if !acct.Enabled || !acct.HasService("mail") {
			continue
		}
		home := path.Join(opts.UserDataRoot, "users", acct.Address, "mail")
		extra := ""
		if acct.Quota > 0 {
			extra = fmt.Sprintf("userdb_quota_rule=*:bytes=%d", acct.Quota)
		}
		fmt.Fprintf(&b, "%s:%s:%s:%s::%s::%s\n",
			acct.Address, acct.Password, opts.uid(), opts.gid(), home, extra)
	}
	return []byte(b.String())
}

// HomeDirs lists the per-account directory skeletons implied by the map:
// Maildir cur/new/tmp plus the sieve directory for each enabled mail
// account. Paths are relative to UserDataRoot.
func HomeDirs(accounts []Account) []string {
	var dirs []string
	for _, acct := range accounts {
		if !acct.Enabled || !acct.HasService("mail") {
			continue
		}
		base := path.Join("users", acct.Address, "mail")
		dirs = append(dirs,
			path.Join(base, "Maildir", "cur"),
			path.Join(base, "Maildir", "new"),
			path.Join(base, "Maildir", "tmp"),
			path.Join(base, "sieve"),
		)
	}
	return dirs
}
