package schema

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// CommandSchema describes a command for callers that drive the CLI programmatically.
type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Example     string          `json:"example,omitempty"`
	Runnable    bool            `json:"runnable"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	GlobalFlags []FlagSchema    `json:"global_flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Usage      string `json:"usage"`
	Default    string `json:"default,omitempty"`
	Required   bool   `json:"required,omitempty"`
	Repeatable bool   `json:"repeatable,omitempty"`
}

// Build returns the schema of the command at commandPath below root, or of root itself.
// Global flags are listed once, on the command the lookup starts from.
func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd, err := find(root, commandPath)
	if err != nil {
		return CommandSchema{}, err
	}
	out := serialize(cmd)
	out.GlobalFlags = flagSchemas(cmd.InheritedFlags())
	if cmd == root {
		out.GlobalFlags = flagSchemas(root.PersistentFlags())
	}
	return out, nil
}

func find(root *cobra.Command, commandPath string) (*cobra.Command, error) {
	cmd := root
	for _, part := range strings.Fields(commandPath) {
		var next *cobra.Command
		for _, c := range cmd.Commands() {
			if c.Name() == part || c.HasAlias(part) {
				next = c
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = next
	}
	return cmd, nil
}

func serialize(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:     strings.TrimSpace(cmd.CommandPath()),
		Use:      cmd.Use,
		Short:    cmd.Short,
		Example:  strings.TrimSpace(cmd.Example),
		Runnable: cmd.Runnable(),
		Flags:    flagSchemas(cmd.LocalNonPersistentFlags()),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub))
	}
	return s
}

func flagSchemas(set *pflag.FlagSet) []FlagSchema {
	items := []FlagSchema{}
	set.VisitAll(func(f *pflag.Flag) {
		if f.Hidden || f.Name == "help" {
			return
		}
		typ := f.Value.Type()
		items = append(items, FlagSchema{
			Name:       f.Name,
			Type:       typ,
			Usage:      f.Usage,
			Default:    f.DefValue,
			Required:   isRequired(f),
			Repeatable: strings.HasSuffix(typ, "Array") || strings.HasSuffix(typ, "Slice"),
		})
	})
	return items
}

func isRequired(f *pflag.Flag) bool {
	values, ok := f.Annotations[cobra.BashCompOneRequiredFlag]
	return ok && len(values) > 0 && values[0] == "true"
}
