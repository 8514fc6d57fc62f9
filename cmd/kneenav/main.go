package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"kneenav/internal/models"
	"kneenav/internal/monitoring"
	"kneenav/pkg/config"
	"kneenav/pkg/implant"
	"kneenav/pkg/planning"
	"kneenav/pkg/planstore"
	"kneenav/pkg/ssm"
	"kneenav/pkg/stl"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "kneenav.yaml", "Configuration file")
	landmarksPath := flag.String("landmarks", "", "Landmark YAML exported by the picking front end")
	cloudPath := flag.String("cloud", "", "Optional STL whose vertices drive the shape fit")
	outputDir := flag.String("output", "", "Report directory (default from config)")
	size := flag.Int("size", -1, "Override the selected size by catalog index")
	history := flag.Bool("history", false, "List the stored plans of the bone after planning")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file and exit")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *landmarksPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.Output.Verbose {
		monitoring.SetLogger(nil)
	}
	if *outputDir == "" {
		*outputDir = cfg.Output.ReportDir
	}

	set, err := models.LoadLandmarks(*landmarksPath)
	if err != nil {
		log.Fatalf("Failed to load landmarks: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("TOTAL KNEE ARTHROPLASTY PLANNING")
	fmt.Printf("Bone: %s, side: %s\n", set.Bone, set.Side)
	fmt.Println("================================")

	model, err := ssm.LoadModel(set.Bone, cfg.ModelPaths(set.Bone))
	if err != nil {
		log.Fatalf("Failed to load shape model: %v", err)
	}
	catalog, err := implant.LoadCatalog(cfg.Implant.CatalogDir, set.Bone, cfg.Implant.Labels)
	if err != nil {
		log.Fatalf("Failed to load implant catalog: %v", err)
	}

	var cloud []mgl64.Vec3
	if *cloudPath != "" {
		m, err := stl.Load(*cloudPath)
		if err != nil {
			log.Fatalf("Failed to load point cloud: %v", err)
		}
		cloud = m.Vertices
	}

	var store *planstore.Store
	if cfg.Store.Path != "" {
		store, err = planstore.Open(cfg.Store.Path)
		if err != nil {
			log.Fatalf("Failed to open plan store: %v", err)
		}
		defer store.Close()
	}

	params := &planning.Params{
		Landmarks:      set,
		Cloud:          cloud,
		FitOptions:     cfg.FitOptions(set.Bone),
		MirrorLeft:     cfg.Frame.MirrorLeft,
		RefineCondyles: cfg.Frame.RefineCondyles,
		CropLength:     cfg.Output.CropLength,
		ImplantMeshDir: cfg.Implant.MeshDir,
		OutputDir:      *outputDir,
		SaveOutputs:    true,
		ImageSize:      cfg.Output.ImageSize,
	}
	planner := planning.NewPlanner(params, model, implant.NewSelector(catalog, cfg.ImplantParams()), stl.Store{}, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Run the planning pipeline
	fmt.Println("Starting planning...")
	startTime := time.Now()
	plan, err := planner.Process(ctx)
	if err != nil {
		log.Fatalf("Planning failed: %v", err)
	}
	if *size >= 0 {
		plan, err = planner.Reselect(ctx, *size)
		if err != nil {
			log.Fatalf("Size override failed: %v", err)
		}
	}
	processingTime := time.Since(startTime)

	sel := plan.Selection
	fmt.Printf("\nPlanning completed in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Selected size: %s (index %d, score %.3f)\n", sel.Label, sel.Index, sel.Score)
	fmt.Println("\nSize scores:")
	for i, label := range sel.Labels {
		marker := " "
		if i == sel.Index {
			marker = "*"
		}
		fmt.Printf("%s %-4s %.3f\n", marker, label, sel.Scores[i])
	}
	fmt.Printf("\nShape fit mean distance: %.3f mm\n", plan.Fit.MeanDistance)
	if plan.ID != "" {
		fmt.Printf("Plan stored as %s\n", plan.ID)
	}

	if len(plan.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		for _, p := range plan.Outputs {
			fmt.Printf("- %s\n", p)
		}
	}

	if *history && store != nil {
		plans, err := store.ListPlans(ctx, set.Bone)
		if err != nil {
			log.Fatalf("Failed to list plans: %v", err)
		}
		fmt.Printf("\nStored %s plans:\n", set.Bone)
		for _, p := range plans {
			fmt.Printf("%s  %s  %-5s size %s\n", p.CreatedAt.Format(time.RFC3339), p.ID, p.Side, p.Label)
		}
	}
}
