package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

var configUserFlag string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and change runtime configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get <field>",
	Short: "Print the effective value of a configuration field",
	Long: `Resolves the field through the effective-config overlay: the user's
preference when --user is given and set, otherwise the dynamic config value.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDeployment()
		if err != nil {
			return err
		}
		store, err := openStore(rootCtx, d)
		if err != nil {
			return err
		}
		defer store.Close()

		v, err := store.Config().GetEffective(rootCtx, args[0], configUserFlag)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("unknown configuration field %q", args[0])
			}
			return err
		}
		fmt.Println(formatConfigValue(v))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <field> <value>",
	Short: "Change a dynamic configuration field",
	Long: `Validates and applies one dynamic-config change. The change is audited
with the admin identity and survives redeploys.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		upd, err := buildDynamicUpdate(args[0], args[1])
		if err != nil {
			return err
		}

		d, err := loadDeployment()
		if err != nil {
			return err
		}
		store, err := openStore(rootCtx, d)
		if err != nil {
			return err
		}
		defer store.Close()

		updatedBy := configUserFlag
		if updatedBy == "" {
			updatedBy = "archi-cli"
		}
		if err := store.Config().UpdateDynamic(rootCtx, upd, updatedBy); err != nil {
			var verr *types.ConfigValidationError
			if errors.As(err, &verr) {
				color.Red("✗ %s: %s", verr.Field, verr.Reason)
				return fmt.Errorf("validation failed")
			}
			return err
		}
		color.Green("✓ %s = %s", args[0], args[1])
		return nil
	},
}

func formatConfigValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// buildDynamicUpdate parses the CLI string value into the typed update for
// the named field. Field names match the dynamic_config columns.
func buildDynamicUpdate(field, value string) (storage.DynamicConfigUpdate, error) {
	var upd storage.DynamicConfigUpdate

	setString := func(dst **string) error { *dst = &value; return nil }
	setFloat := func(dst **float64) error {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: expected a number, got %q", field, value)
		}
		*dst = &f
		return nil
	}
	setInt := func(dst **int) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: expected an integer, got %q", field, value)
		}
		*dst = &n
		return nil
	}
	setBool := func(dst **bool) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: expected true or false, got %q", field, value)
		}
		*dst = &b
		return nil
	}

	var err error
	switch field {
	case "active_pipeline", "pipeline":
		err = setString(&upd.ActivePipeline)
	case "active_model", "model":
		err = setString(&upd.ActiveModel)
	case "temperature":
		err = setFloat(&upd.Temperature)
	case "max_tokens":
		err = setInt(&upd.MaxTokens)
	case "system_prompt":
		err = setString(&upd.SystemPrompt)
	case "top_p":
		err = setFloat(&upd.TopP)
	case "top_k":
		err = setInt(&upd.TopK)
	case "repetition_penalty":
		err = setFloat(&upd.RepetitionPenalty)
	case "condense_prompt", "active_condense_prompt":
		err = setString(&upd.ActiveCondensePrompt)
	case "chat_prompt", "active_chat_prompt":
		err = setString(&upd.ActiveChatPrompt)
	case "active_system_prompt":
		err = setString(&upd.ActiveSystemPrompt)
	case "num_documents_to_retrieve":
		err = setInt(&upd.NumDocumentsToRetrieve)
	case "use_hybrid_search":
		err = setBool(&upd.UseHybridSearch)
	case "bm25_weight":
		err = setFloat(&upd.BM25Weight)
	case "semantic_weight":
		err = setFloat(&upd.SemanticWeight)
	case "bm25_k1":
		err = setFloat(&upd.BM25K1)
	case "bm25_b":
		err = setFloat(&upd.BM25B)
	case "ingestion_schedule":
		err = setString(&upd.IngestionSchedule)
	case "verbosity":
		err = setString(&upd.Verbosity)
	default:
		return upd, fmt.Errorf("unknown dynamic configuration field %q", field)
	}
	return upd, err
}

func init() {
	configCmd.PersistentFlags().StringVar(&configUserFlag, "user", "", "User id for the effective overlay (get) or audit identity (set)")
	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
