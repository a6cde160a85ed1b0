package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
	"github.com/bdobrica/Kanri/internal/kanri/startup"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// loadManifest reads and parses the manifest at path. The returned path is
// absolute so the store can point back at it from any directory.
func loadManifest(path string) (manifest.Manifest, string, error) {
	data, err := readFile(path)
	if err != nil {
		return manifest.Manifest{}, "", err
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return manifest.Manifest{}, "", fmt.Errorf("%s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return m, abs, nil
}

type validation struct {
	Path    string `json:"path"`
	Valid   bool   `json:"valid"`
	Name    string `json:"name,omitempty"`
	Target  string `json:"target,omitempty"`
	Profile string `json:"profile,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newValidateCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest>...",
		Short: "Validate instance manifests",
		Long: `Validate instance manifests without touching any platform.

Each file is decoded, checked against the manifest schema and then against
the semantic rules (ports, names, target-specific fields).`,
		Example: `  # Validate one manifest
  kanri validate demo.yaml

  # Validate several and get machine-readable results
  kanri validate --json bots/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]validation, 0, len(args))
			failed := 0
			for _, path := range args {
				v := validation{Path: path}
				m, _, err := loadManifest(path)
				if err != nil {
					v.Error = err.Error()
					failed++
				} else {
					v.Valid = true
					v.Name, v.Target, v.Profile = m.Metadata.Name, string(m.Target.Type), m.Profile()
				}
				results = append(results, v)
			}
			err := e.output(cmd, results, func(w io.Writer) error {
				for _, v := range results {
					if v.Valid {
						fmt.Fprintf(w, "ok      %s (%s, profile %s)\n", v.Path, v.Target, v.Profile)
					} else {
						fmt.Fprintf(w, "invalid %s\n", v.Error)
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d manifests invalid", failed, len(args))
			}
			return nil
		},
	}
	return cmd
}

// Script formats accepted by render-script.
const (
	formatShell     = "shell"
	formatUserData  = "user-data"
	formatCloudInit = "cloud-init"
)

// defaultFormat is the rendering the target itself would use.
func defaultFormat(t manifest.TargetType) string {
	switch t {
	case manifest.TargetAWSEC2:
		return formatUserData
	case manifest.TargetGCPGCE:
		return formatCloudInit
	}
	return formatShell
}

func renderScript(format string, opts startup.Options) (string, error) {
	switch format {
	case formatShell:
		return startup.Shell(opts)
	case formatUserData:
		return startup.UserData(opts)
	case formatCloudInit:
		return startup.CloudInit(opts)
	}
	return "", errors.New("unknown format " + format + " (want shell, user-data or cloud-init)")
}

func newRenderScriptCommand(e *env) *cobra.Command {
	var (
		profile string
		port    int
		ver     string
		format  string
	)

	cmd := &cobra.Command{
		Use:   "render-script <manifest>",
		Short: "Print the first-boot script an install would use",
		Long: `Render the startup script for a manifest without installing it.

Secrets are referenced by the names the provider would store them under;
no values are read.`,
		Example: `  # Shell rendering for a docker or remote-vm manifest
  kanri render-script demo.yaml

  # The cloud-init document a GCE install would pass as metadata
  kanri render-script --format cloud-init demo.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			opts := installOptions(m, profile, port, ver)
			refs := make(map[string]string, len(m.Security.Secrets))
			for _, s := range m.Security.Secrets {
				refs[s.Name] = provider.SecretName(opts.Profile, s.Name)
			}
			if format == "" {
				format = defaultFormat(m.Target.Type)
			}
			script, err := renderScript(format, target.StartupOptions(m, opts, refs, StartupDefaults(e.cfg)))
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), script)
			return err
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "install profile (default from the manifest)")
	cmd.Flags().IntVar(&port, "port", 0, "host port (default from the manifest)")
	cmd.Flags().StringVar(&ver, "version", "", "image tag override")
	cmd.Flags().StringVar(&format, "format", "", "shell, user-data or cloud-init (default per target type)")

	return cmd
}
