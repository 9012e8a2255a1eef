// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/callcore/internal/app"
	"github.com/petervdpas/callcore/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callcore v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	switch command {
	case "agent", "relay":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
			fmt.Fprintf(os.Stderr, "Usage: callcore %s <directory>\n", command)
			os.Exit(1)
		}
		run(command, args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func run(command, dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create directory %s: %v", absDir, err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("CONFIG: wrote defaults to %s", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}
	if command == "relay" {
		err = app.RunRelay(ctx, opts)
	} else {
		err = app.Run(ctx, opts)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

func showUsage() {
	fmt.Println("callcore - peer-to-peer audio/video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callcore agent <directory>   Run a call agent with its local viewer API")
	fmt.Println("  callcore relay <directory>   Run the signaling relay server")
	fmt.Println()
	fmt.Println("The directory holds " + config.FileName + "; defaults are written on first run.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  callcore relay ./relay")
	fmt.Println("  callcore agent ./alice")
	fmt.Println("  curl -XPOST localhost:8790/api/call/start -d '{\"callee_id\":\"bob\"}'")
}
