package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	charm "github.com/charmbracelet/log"
	_ "github.com/joho/godotenv/autoload"
	"github.com/labstack/gommon/log"
	"github.com/spf13/cobra"

	"loom/pkg/config"
	"loom/pkg/diff"
	"loom/pkg/inference"
	"loom/pkg/pipeline"
	"loom/pkg/queue/local"
	"loom/pkg/server"
	"loom/pkg/store"
)

var (
	dbSpec     string
	configPath string
	verbose    bool

	workID     string
	templateID string
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Extract reusable story templates from long-form text",
	Long: `loom reads a work chapter by chapter, extracts its characters and plot
beats, merges them into a canonical cast, abstracts them into archetypes and
writes new stories from the resulting template.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			charm.SetLevel(charm.DebugLevel)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the pipeline job queue",
	RunE:  runServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the template pipeline for a work in the foreground",
	Long: `Run the template pipeline for a work without the HTTP server.

The work's template is created on the first run and resumed on later ones,
skipping every stage that already completed. --template names the template
to resume explicitly.`,
	RunE: runPipeline,
}

var diffCmd = &cobra.Command{
	Use:   "diff <template> <template>",
	Short: "Print the archetype differences between two templates",
	Args:  cobra.ExactArgs(2),
	RunE:  runDiff,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbSpec, "db", cmp.Or(os.Getenv("LOOM_DB"), "sqlite:loom.db"), "Store spec: sqlite:<path>, postgres:<dsn> or memory:<snapshot.json>")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("LOOM_CONFIG"), "Pipeline config YAML")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd.Flags().StringVar(&workID, "work", "", "Work id to build a template from")
	runCmd.Flags().StringVar(&templateID, "template", "", "Existing template id to resume")
	_ = runCmd.MarkFlagRequired("work")

	rootCmd.AddCommand(serveCmd, runCmd, diffCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newInferencer(ctx context.Context) (inference.Inferencer, string, error) {
	provider := inference.Provider(cmp.Or(os.Getenv("LOOM_PROVIDER"), string(inference.ProviderOpenAI)))
	model := os.Getenv("OPENAI_MODEL")

	switch provider {
	case inference.ProviderGemini:
		inf, err := inference.NewGeminiInferencer(ctx, os.Getenv("GEMINI_API_KEY"), os.Getenv("GEMINI_MODEL"))
		if err != nil {
			return nil, "", err
		}
		return inf, inf.Model(), nil
	case inference.ProviderGrok, inference.ProviderMoonshot, inference.ProviderKimi:
		key := cmp.Or(os.Getenv(providerKeyEnv(provider)), os.Getenv("OPENAI_API_KEY"))
		inf, err := inference.NewCompatibleInferencer(provider, key, model)
		if err != nil {
			return nil, "", err
		}
		return inf, inf.Model(), nil
	case inference.ProviderOpenAI:
	default:
		return nil, "", fmt.Errorf("unknown LOOM_PROVIDER %q", provider)
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	openAI := inference.NewOpenAIInferencer(apiKey, cmp.Or(model, config.DefaultModel))
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		openAI.ChangeBaseURL(base)
	} else if apiKey == "" {
		openAI.ChangeBaseURL("http://localhost:1234/v1")
		openAI.SetModel("")
	}
	return openAI, openAI.Model(), nil
}

func providerKeyEnv(p inference.Provider) string {
	switch p {
	case inference.ProviderGrok:
		return "GROK_API_KEY"
	case inference.ProviderMoonshot, inference.ProviderKimi:
		return "MOONSHOT_API_KEY"
	}
	return "OPENAI_API_KEY"
}

func newService(ctx context.Context) (*pipeline.Service, error) {
	inf, model, err := newInferencer(ctx)
	if err != nil {
		return nil, fmt.Errorf("inferencer: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(dbSpec)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", dbSpec, err)
	}
	// A default model in the config file wins over the provider's.
	cfg = cfg.WithModel(model)
	log.Infof("Using model %q, store %q", cfg.Resolve(config.StageSummary).Model, dbSpec)
	return pipeline.New(inference.NewOracle(inf), st, cfg), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL)
	defer done()

	svc, err := newService(ctx)
	if err != nil {
		return err
	}

	srv := server.NewServer(ctx, svc, local.New(100, 2, charm.Default()))
	srv.Echo.Logger.SetLevel(log.DEBUG)

	addr := ":8080"
	if envAddr := os.Getenv("PORT"); envAddr != "" {
		addr = ":" + envAddr
	}

	finishedShutDown := make(chan struct{})
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Error(err)
		}
		close(finishedShutDown)
	}()

	if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-finishedShutDown
	return nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	svc, err := newService(ctx)
	if err != nil {
		return err
	}

	id := templateID
	if id == "" {
		id, err = svc.RunTemplatePipeline(ctx, workID)
	} else {
		err = svc.Run(ctx, workID, id)
	}

	if id != "" {
		if status, serr := svc.GetPipelineStatus(context.WithoutCancel(ctx), id); serr == nil {
			log.Infof("Template %s: %+v", id, status)
		}
	}
	return err
}

func runDiff(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := store.Open(dbSpec)
	if err != nil {
		return err
	}
	a, err := st.GetTemplate(ctx, args[0])
	if err != nil {
		return err
	}
	b, err := st.GetTemplate(ctx, args[1])
	if err != nil {
		return err
	}
	diff.Templates(a, b).Print(cmd.OutOrStdout())
	return nil
}
