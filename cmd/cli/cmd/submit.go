package cmd

import (
	"fmt"

	"boardgen/pkg/api"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// batchOptions are the flags shared by submit and estimate.
type batchOptions struct {
	unitCount     int
	categories    []string
	styles        []string
	onlyMissing   bool
	images        bool
	roomProfiles  bool
	rooms         []string
	materialShots int
	textureShots  int
	tier          string
	overwrite     bool
	dryRun        bool
}

var (
	batch       batchOptions
	submitWatch bool
)

func (o batchOptions) config() api.BatchConfig {
	return api.BatchConfig{
		UnitCount: o.unitCount,
		Filters: api.Filters{
			CategoryIDs: o.categories,
			StyleIDs:    o.styles,
			OnlyMissing: o.onlyMissing,
		},
		GenerateImages:       o.images,
		GenerateRoomProfiles: o.roomProfiles,
		Rooms:                o.rooms,
		MaterialShots:        o.materialShots,
		TextureShots:         o.textureShots,
		PriceTier:            o.tier,
		Overwrite:            o.overwrite,
		DryRun:               o.dryRun,
	}
}

func addBatchFlags(c *cobra.Command) {
	flags := c.Flags()
	flags.IntVarP(&batch.unitCount, "unit-count", "n", 0, "Maximum number of styles to process (0 = every match)")
	flags.StringSliceVar(&batch.categories, "category", nil, "Only styles in these category ids")
	flags.StringSliceVar(&batch.styles, "style", nil, "Only these style ids")
	flags.BoolVar(&batch.onlyMissing, "only-missing", false, "Only styles without generated content")
	flags.BoolVar(&batch.images, "images", false, "Generate room, material and texture images")
	flags.BoolVar(&batch.roomProfiles, "room-profiles", false, "Generate a text profile per room")
	flags.StringSliceVar(&batch.rooms, "rooms", nil, "Rooms to generate for (default living_room,bedroom,kitchen)")
	flags.IntVar(&batch.materialShots, "material-shots", 0, "Material images per style (default 2)")
	flags.IntVar(&batch.textureShots, "texture-shots", 0, "Texture images per style (default 2)")
	flags.StringVar(&batch.tier, "tier", "", "Price tier: standard or premium")
	flags.BoolVar(&batch.overwrite, "overwrite", false, "Regenerate styles that already have content")
	flags.BoolVar(&batch.dryRun, "dry-run", false, "Run the batch without calling the providers or charging credits")
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Start a bulk generation batch",
	Long: `Submit a batch of styles for content generation.

The batch runs in the background on the controller. Credits are charged per
style as it starts and refunded when the style fails.

Example:
  boardctl submit --unit-count 10 --category minimal --only-missing
  boardctl submit --images --rooms kitchen,bedroom --tier premium --watch`,
	Run: func(cmd *cobra.Command, args []string) {
		client := organizationClient(cmd)
		if client == nil {
			return
		}
		ctx := cmd.Context()

		result, err := client.SubmitExecution(ctx, batch.config())
		if err != nil && result == nil {
			printAPIError(cmd, "Submit", err)
			return
		}
		if err != nil {
			cmd.Printf("%s Insufficient credits: batch needs %s credits, execution %s recorded as %s\n",
				statusIcon("failed"), humanize.Comma(result.EstimatedCredits), result.ExecutionID, result.Status)
			return
		}

		cmd.Printf("%s %sExecution submitted%s\n", statusIcon(result.Status), colorBold, colorReset)
		cmd.Println("──────────────────────────────")
		cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, result.ExecutionID)
		cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(result.Status))
		cmd.Printf("%sCandidates:%s  %d\n", colorDim, colorReset, result.TotalCandidates)
		cmd.Printf("%sEstimate:%s    %s credits (%s)\n", colorDim, colorReset,
			humanize.Comma(result.EstimatedCredits), formatCost(result.EstimatedCost))

		if submitWatch {
			cmd.Println()
			watchExecution(ctx, cmd, client, result.ExecutionID)
		}
	},
}

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Preview the cost of a batch without starting it",
	Long: `Compute what a batch with the given flags would cost and whether the
current balance covers it. Nothing is charged or recorded.

Example:
  boardctl estimate --unit-count 50 --images --room-profiles`,
	Run: func(cmd *cobra.Command, args []string) {
		client := organizationClient(cmd)
		if client == nil {
			return
		}
		ctx := cmd.Context()

		est, err := client.Estimate(ctx, batch.config())
		if err != nil {
			printAPIError(cmd, "Estimate", err)
			return
		}

		cmd.Printf("%sBatch Estimate%s\n", colorBold, colorReset)
		cmd.Println("──────────────────────────────")
		cmd.Printf("%sStyles:%s      %d\n", colorDim, colorReset, est.Units)
		cmd.Printf("%sPer style:%s   %s credits\n", colorDim, colorReset, humanize.Comma(est.PerUnitCredits))
		cmd.Printf("%sCredits:%s     %s\n", colorDim, colorReset, humanize.Comma(est.Credits))
		cmd.Printf("%sCost:%s        %s (text %s, images %s)\n", colorDim, colorReset,
			formatCost(est.TotalCost), formatCost(est.TextCost), formatCost(est.ImageCost))
		if est.Sufficient {
			cmd.Printf("%sBalance:%s     %s%s%s\n", colorDim, colorReset, colorGreen, humanize.Comma(est.Balance), colorReset)
		} else {
			cmd.Printf("%sBalance:%s     %s%s (insufficient)%s\n", colorDim, colorReset, colorRed, humanize.Comma(est.Balance), colorReset)
		}
	},
}

func formatCost(usd float64) string {
	return fmt.Sprintf("$%s", humanize.FormatFloat("#,###.####", usd))
}

func init() {
	addBatchFlags(submitCmd)
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "Follow the execution until it finishes")
	rootCmd.AddCommand(submitCmd)

	addBatchFlags(estimateCmd)
	rootCmd.AddCommand(estimateCmd)
}
