package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
	"pkt.systems/reloadd"
	"pkt.systems/reloadd/internal/artifact"
	"pkt.systems/reloadd/internal/clock"
	"pkt.systems/reloadd/internal/validate"
)

// newCheckCommand validates one artifact on disk and exits. Useful before
// dropping a renewed certificate or edited credential map into the watched
// tree.
func newCheckCommand(baseLogger pslog.Logger) *cobra.Command {
	var kindFlag string
	var scopeFlag string
	cmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Validate a certificate bundle directory or credential map file without reloading anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			kind, err := resolveKind(kindFlag, path)
			if err != nil {
				return err
			}
			scope := scopeFlag
			if scope == "" {
				scope = inferScope(kind, path)
			}
			ref := artifact.Ref{
				Key:  artifact.Key{Kind: kind, Scope: scope},
				Path: path,
			}
			registry := validate.Registry{
				artifact.KindCertificateBundle: validate.CertificateBundle{
					Clock:            clock.Real{},
					ExpiryWarnWindow: reloadd.DefaultExpiryWarnWindow,
				},
				artifact.KindCredentialMap: validate.CredentialMap{Clock: clock.Real{}},
			}
			validator, ok := registry.For(kind)
			if !ok {
				return fmt.Errorf("no validator for artifact kind %q", kind)
			}
			result := validator.Validate(cmd.Context(), ref, path)
			out := cmd.OutOrStdout()
			for _, warning := range result.Warnings {
				fmt.Fprintf(out, "warning: %s\n", warning)
			}
			if !result.OK {
				fmt.Fprintf(out, "invalid: %s\n", result.Reason)
				return fmt.Errorf("%s failed validation", ref.Key)
			}
			fmt.Fprintf(out, "ok: %s\n", ref.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&kindFlag, "kind", "", "artifact kind (cert-bundle or credential-map; inferred from the path when omitted)")
	cmd.Flags().StringVar(&scopeFlag, "scope", "", "artifact scope (e.g. the domain; inferred from the path when omitted)")
	return cmd
}

// resolveKind infers the artifact kind from the path shape when --kind is
// omitted: a directory is a certificate bundle, a YAML file a credential map.
func resolveKind(flag, path string) (artifact.Kind, error) {
	if flag != "" {
		kind := artifact.Kind(flag)
		if !kind.Valid() {
			return "", fmt.Errorf("unknown artifact kind %q", flag)
		}
		return kind, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return artifact.KindCertificateBundle, nil
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return artifact.KindCredentialMap, nil
	}
	return "", fmt.Errorf("cannot infer artifact kind from %q, pass --kind", path)
}

func inferScope(kind artifact.Kind, path string) string {
	base := filepath.Base(path)
	if kind == artifact.KindCredentialMap {
		return strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
	}
	return base
}
