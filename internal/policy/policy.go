package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
	"github.com/ggonzalez94/vault-cli/internal/version"
)

// CheckCommandAllowed enforces the --enable-commands allowlist. Entries may carry the
// CLI name ("vault deposit" and "deposit" are the same) and "*" allows everything.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		entry := normalize(allowed)
		if entry == "*" || entry == normPath {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	if len(parts) > 1 && parts[0] == version.CLIName {
		parts = parts[1:]
	}
	return strings.Join(parts, " ")
}
