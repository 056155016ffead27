package commands

import (
	"fmt"
	"os"

	"github.com/matteing/opal/internal/config"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Sanity-check config, data directory, and provider credentials",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ok := true
	check := func(label string, passed bool, detail string) {
		mark := "ok"
		if !passed {
			mark = "FAIL"
			ok = false
		}
		fmt.Printf("  [%-4s] %-28s %s\n", mark, label, detail)
	}

	fmt.Println("Opal doctor")
	fmt.Println()

	workDir, err := os.Getwd()
	check("working directory", err == nil, workDir)

	cfg, cfgErr := config.Load(workDir)
	check("config parse", cfgErr == nil, describeErr(cfgErr))

	paths := config.GetPaths()
	pathsErr := paths.EnsurePaths()
	check("data directory writable", pathsErr == nil, paths.Data)

	anyCredential := os.Getenv("ANTHROPIC_API_KEY") != "" || os.Getenv("OPENAI_API_KEY") != "" || os.Getenv("ARK_API_KEY") != ""
	if cfg != nil {
		for _, pc := range cfg.Provider {
			if pc.Options != nil && (pc.Options.APIKey != "" || pc.Options.BaseURL != "") {
				anyCredential = true
			}
		}
	}
	check("provider credential present", anyCredential, "checked env vars and opal.json provider.options")

	fmt.Println()
	if !ok {
		return fmt.Errorf("doctor found problems above")
	}
	fmt.Println("Everything looks good.")
	return nil
}

func describeErr(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
