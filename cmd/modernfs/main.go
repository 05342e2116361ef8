// Command modernfs mounts a modernfs image at a directory via FUSE.
package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/moby/sys/mountinfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/modernfs/modernfs"
	"github.com/modernfs/modernfs/fuseadapter"
)

func main() {
	app := cli.NewApp()
	app.Name = "modernfs"
	app.Usage = "mount a modernfs image"
	app.ArgsUsage = "<image-path> <mountpoint>"
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "r, read-only", Usage: "mount read-only"},
		cli.BoolFlag{Name: "f, foreground", Usage: "run in the foreground"},
		cli.BoolFlag{Name: "d, debug", Usage: "enable FUSE debug logging to a rotating log file"},
		cli.BoolFlag{Name: "s, single-threaded", Usage: "disable concurrent FUSE request dispatch"},
		cli.StringFlag{Name: "metrics-addr", Usage: "address to serve Prometheus metrics on (disabled if empty)"},
		cli.IntFlag{Name: "cache-blocks", Value: 1024, Usage: "buffer cache capacity in 4 KiB frames"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("modernfs: expected <image-path> <mountpoint>", 1)
	}
	imagePath := c.Args().Get(0)
	mountpoint := c.Args().Get(1)
	readOnly := c.Bool("read-only")

	already, err := mountinfo.Mounted(mountpoint)
	if err != nil {
		return cli.NewExitError("modernfs: checking mount state: "+err.Error(), 1)
	}
	if already {
		return cli.NewExitError("modernfs: "+mountpoint+" is already a mount point", 1)
	}

	mnt, err := modernfs.MountImage(imagePath, readOnly, c.Int("cache-blocks"))
	if err != nil {
		return cli.NewExitError("modernfs: "+err.Error(), 1)
	}

	if c.String("metrics-addr") != "" {
		serveMetrics(c.String("metrics-addr"), mnt)
	}

	var debugLog *log.Logger
	if c.Bool("debug") {
		debugLog = log.New(&lumberjack.Logger{
			Filename:   "modernfs-debug.log",
			MaxSize:    10, // MiB
			MaxBackups: 3,
			MaxAge:     7, // days
		}, "", log.LstdFlags|log.Lmicroseconds)
		log.SetOutput(debugLog.Writer())
	}

	root := fuseadapter.Root(mnt)
	server, err := fs.Mount(mountpoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:         c.Bool("debug"),
			SingleThreaded: c.Bool("single-threaded"),
			FsName:        imagePath,
			Name:          "modernfs",
		},
	})
	if err != nil {
		mnt.Close()
		return cli.NewExitError("modernfs: mounting: "+err.Error(), 1)
	}
	if debugLog != nil {
		debugLog.Printf("mounted %s at %s (read-only=%v)", imagePath, mountpoint, readOnly)
	}

	if !c.Bool("foreground") {
		// Run in the foreground under a supervisor rather than
		// daemonizing, leaving backgrounding to the caller (e.g. `&`
		// or a service unit).
		log.Println("modernfs: running in foreground; use your shell or service manager to background it")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-sig:
		if err := server.Unmount(); err != nil {
			log.Printf("modernfs: unmount: %v", err)
		}
		<-done
	case <-done:
	}

	if err := mnt.Close(); err != nil {
		return cli.NewExitError("modernfs: closing image: "+err.Error(), 1)
	}
	return nil
}

func serveMetrics(addr string, mnt *modernfs.Mount) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mnt.Stats().Registry(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("modernfs: metrics listener: %v", err)
		}
	}()
}
