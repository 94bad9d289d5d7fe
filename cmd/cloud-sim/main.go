// Command cloud-sim runs a bench stand-in for the NeoBell cloud so the
// doorbell can be exercised without AWS.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"neobell/edge/internal/cloudsim"
	"neobell/edge/internal/logging"
	"neobell/edge/internal/model"
)

// pairs collects repeated key=value flags.
type pairs map[string]string

func (p pairs) String() string { return fmt.Sprint(map[string]string(p)) }

func (p pairs) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	p[key] = value
	return nil
}

func main() {
	mqttBind := flag.String("mqtt", ":1883", "MQTT listen address")
	httpBind := flag.String("http", ":8080", "upload server listen address")
	uploadDir := flag.String("uploads", "cloud-uploads", "directory receiving uploaded files")
	publicURL := flag.String("public-url", "", "base URL the device uses for uploads (default: the bound address)")
	level := flag.String("log-level", "info", "log level")
	packages := pairs{}
	tags := pairs{}
	visitors := pairs{}
	flag.Var(packages, "package", "known package as id=status (repeatable)")
	flag.Var(tags, "tag", "valid NFC tag as ID=name (repeatable)")
	flag.Var(visitors, "visitor", "pre-registered visitor as face_tag_id=Allowed|Denied (repeatable)")
	flag.Parse()

	for id, status := range packages {
		if status == "" {
			packages[id] = model.PackageStatusPending
		}
	}

	logger := logging.NewWithWriter(os.Stderr, *level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := cloudsim.New(cloudsim.Config{
		MQTTBind:  *mqttBind,
		HTTPBind:  *httpBind,
		UploadDir: *uploadDir,
		PublicURL: *publicURL,
		Packages:  packages,
		Tags:      tags,
		Visitors:  visitors,
	}, logger)

	if err := sim.Run(ctx); err != nil {
		logger.Error("cloud simulator failed", "error", err)
		os.Exit(1)
	}
}
