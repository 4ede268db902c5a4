// kcore-sim boots the kernel core over a set of program images and runs a
// stride scheduling workload, printing how the CPU was shared.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"kcore/pkg/config"
	"kcore/pkg/klog"
	"kcore/pkg/loader"
	"kcore/pkg/syscalls"
	"kcore/pkg/task"
	"kcore/pkg/trap"
)

func main() {
	cfgPath := flag.String("config", "", "JSON configuration file")
	imageDir := flag.String("images", "", "directory of .kimg program images")
	level := flag.String("log", "", "log level (trace, debug, info, warn, error, off)")
	logFile := flag.String("log-file", "", "also write the kernel log to this file")
	workerPrios := flag.String("workers", "2,3,4,5", "comma separated worker priorities")
	rounds := flag.Int("rounds", 10000, "timer ticks to run the workers for")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	if *level != "" {
		cfg.LogLevel = *level
	}

	if *logFile != "" {
		f, err := klog.SetupFile(*logFile, cfg.LogLevel)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
	} else if err := klog.Setup(os.Stderr, cfg.LogLevel); err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	prios, err := parsePriorities(*workerPrios)
	if err != nil {
		log.Fatalf("Invalid workers: %v", err)
	}

	images := loader.NewRegistry()
	if *imageDir != "" {
		n, err := images.LoadDir(*imageDir)
		if err != nil {
			log.Fatalf("Failed to load images: %v", err)
		}
		fmt.Printf("Loaded %d images from %s\n", n, *imageDir)
	}
	if err := registerBuiltins(images, cfg.InitProgram); err != nil {
		log.Fatalf("Failed to register demo images: %v", err)
	}

	k, err := task.NewKernel(cfg, images, nil)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := k.Boot(); err != nil {
		log.Fatalf("Failed to boot: %v", err)
	}
	h := trap.NewHandler(k, syscalls.NewDispatcher(k))

	r, err := runWorkload(k, h, prios, *rounds)
	if err != nil {
		log.Fatalf("Workload failed: %v", err)
	}

	fmt.Printf("Ran %d ticks over %d workers\n", r.Rounds, len(r.Workers))
	fmt.Printf("%6s %8s %10s %8s %8s\n", "PID", "PRIO", "SELECTED", "SHARE", "TARGET")
	for _, w := range r.Workers {
		fmt.Printf("%6d %8d %10d %7.2f%% %7.2f%%\n", w.PID, w.Priority, w.Selections, 100*r.Share(w), 100*r.Expected(w))
	}
	fmt.Printf("Frames in use after halt: %d\n", k.Frames().InUse())
	fmt.Printf("Kernel halted with code %d\n", r.HaltCode)
}
