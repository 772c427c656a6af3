package cmd

import (
	"fmt"
	"os"

	"boardgen/pkg/api"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// unitFile is the catalog file read by units import. JSON files parse too.
type unitFile struct {
	Units []struct {
		ID           string `yaml:"id"`
		Name         string `yaml:"name"`
		Description  string `yaml:"description"`
		CategoryID   string `yaml:"category_id"`
		CategoryName string `yaml:"category_name"`
	} `yaml:"units"`
}

func readUnitFile(path string) ([]api.Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var f unitFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	units := make([]api.Unit, 0, len(f.Units))
	for _, u := range f.Units {
		units = append(units, api.Unit{
			ID:           u.ID,
			Name:         u.Name,
			Description:  u.Description,
			CategoryID:   u.CategoryID,
			CategoryName: u.CategoryName,
		})
	}
	return units, nil
}

var unitsCmd = &cobra.Command{
	Use:   "units",
	Short: "Manage the style catalog",
}

var unitsImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import styles from a YAML or JSON file",
	Long: `Upsert the styles listed in a catalog file. The file order becomes the
order batches walk the catalog in.

Example file:
  units:
    - id: japandi
      name: Japandi
      category_id: minimal
      category_name: Minimal`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := organizationClient(cmd)
		if client == nil {
			return
		}
		units, err := readUnitFile(args[0])
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		if len(units) == 0 {
			cmd.Println("Error: the file lists no units")
			return
		}

		result, err := client.ImportUnits(cmd.Context(), units)
		if err != nil {
			printAPIError(cmd, "Import", err)
			return
		}
		cmd.Printf("%s Imported %d styles\n", statusIcon("completed"), result.Imported)
	},
}

var (
	listCategories  []string
	listOnlyMissing bool
)

var unitsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the styles of the catalog",
	Run: func(cmd *cobra.Command, args []string) {
		client := organizationClient(cmd)
		if client == nil {
			return
		}
		units, err := client.ListUnits(cmd.Context(), listCategories, listOnlyMissing)
		if err != nil {
			printAPIError(cmd, "List", err)
			return
		}
		if len(units) == 0 {
			cmd.Println("No styles found")
			return
		}
		for _, u := range units {
			mark := colorDim + "○" + colorReset
			if u.HasContent {
				mark = colorGreen + "●" + colorReset
			}
			cmd.Printf("%s %-24s %-32s %s%s%s\n", mark, u.ID, u.Name, colorDim, u.CategoryID, colorReset)
		}
	},
}

func init() {
	unitsListCmd.Flags().StringSliceVar(&listCategories, "category", nil, "Only styles in these category ids")
	unitsListCmd.Flags().BoolVar(&listOnlyMissing, "only-missing", false, "Only styles without generated content")

	unitsCmd.AddCommand(unitsImportCmd)
	unitsCmd.AddCommand(unitsListCmd)
	rootCmd.AddCommand(unitsCmd)
}
