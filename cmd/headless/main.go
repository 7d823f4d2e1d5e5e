// Command headless renders one frame of a scene without a window and writes it to headless.ppm.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/google/uuid"
	"github.com/vkngwrapper/headless/gpu/vkdevice"
	"github.com/vkngwrapper/headless/headless"
	"github.com/vkngwrapper/headless/profiler"
	"golang.org/x/exp/slog"
)

func main() {
	runtime.LockOSThread()

	scenePath := flag.String("f", "scene.obj", "scene file to load")
	envPath := flag.String("e", "std_env.png", "environment image to light the scene with")
	samples := flag.Int("s", 64, "samples per pixel")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).
		With(slog.String("run", uuid.NewString()))
	slog.SetDefault(logger)

	err := run(logger, *scenePath, *envPath, *samples)
	if err != nil {
		logger.Error("headless render failed", slog.String("error", fmt.Sprintf("%+v", err)))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, scenePath, envPath string, samples int) error {
	dev, err := vkdevice.Open(vkdevice.Options{
		ApplicationName: "headless",
		Validation:      true,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	o, err := headless.New(headless.Options{
		Device:          dev,
		Queues:          dev.Queues(),
		Logger:          logger,
		Monitor:         profiler.NewHostMonitor(),
		ScenePath:       scenePath,
		EnvironmentPath: envPath,
		OutputPath:      headless.OutputFile,
		Samples:         samples,
	})
	if err != nil {
		return err
	}
	defer o.Destroy()

	return o.Run(context.Background())
}
