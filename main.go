package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/Terence-eng/SDWebImage/log"
	"github.com/Terence-eng/SDWebImage/pkg/webimage"
	"github.com/Terence-eng/SDWebImage/pkg/webimage/codec"
)

var mainLog = log.GetLogger("main")

func main() {
	app := cli.NewApp()
	app.Name = "webimage"
	app.Usage = "fetch, cache and inspect remote images"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to the yaml config file",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "trace, debug, info, warn or error",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "console",
			Usage: "console or json",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "fetch",
			Usage:     "load one image through the cache",
			ArgsUsage: "<url>",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "refresh", Usage: "fetch even on a cache hit"},
				cli.BoolFlag{Name: "retry", Usage: "retry a previously failed url"},
			},
			Action: fetchAction,
		},
		{
			Name:      "prefetch",
			Usage:     "warm the cache for many urls",
			ArgsUsage: "<url>...",
			Action:    prefetchAction,
		},
		{
			Name:  "cache",
			Usage: "inspect or clear the disk cache",
			Subcommands: []cli.Command{
				{
					Name:   "info",
					Usage:  "print disk cache size and file count",
					Action: cacheInfoAction,
				},
				{
					Name:  "clear",
					Usage: "clear the cache",
					Flags: []cli.Flag{
						cli.BoolFlag{Name: "disk", Usage: "also remove the disk tier"},
					},
					Action: cacheClearAction,
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		mainLog.E(err)
		os.Exit(1)
	}
}

func newManager(c *cli.Context) (*webimage.Manager, error) {
	cfg := webimage.DefaultConfig()
	if path := c.GlobalString("config"); path != "" {
		loaded, err := webimage.LoadConfig(path)
		if err != nil {
			if errors.Is(err, webimage.ErrConfigMissing) {
				return nil, fmt.Errorf("wrote config template to %s, edit it and re-run", path)
			}
			return nil, err
		}
		cfg = loaded
	}

	cfg.Log.Level = c.GlobalString("log-level")
	cfg.Log.Format = c.GlobalString("log-format")
	log.SetLoggersConfig(&cfg.Log)

	return webimage.NewFromConfig(cfg)
}

func registerSIGINTHandler(m *webimage.Manager, cancel context.CancelFunc) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		s := <-signalChan
		mainLog.Info().Str("signal", fmt.Sprintf("%v", s)).Msg("Received signal, cancelling loads...")
		m.CancelAll()
		cancel()
	}()
}

func fetchAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("fetch takes exactly one url", 2)
	}
	url := c.Args().First()

	m, err := newManager(c)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSIGINTHandler(m, cancel)

	var opts webimage.Options
	if c.Bool("refresh") {
		opts |= webimage.OptionRefreshCached
	}
	if c.Bool("retry") {
		opts |= webimage.OptionRetryFailed
	}

	type result struct {
		img       image.Image
		data      []byte
		cacheType webimage.CacheType
		err       error
	}
	results := make(chan result, 2)

	m.LoadImage(url, opts,
		func(received, expected int64, u string) {
			mainLog.Debug().Int64("received", received).Int64("expected", expected).Msg("progress")
		},
		func(img image.Image, data []byte, err error, cacheType webimage.CacheType, finished bool, u string) {
			if finished {
				results <- result{img: img, data: data, cacheType: cacheType, err: err}
			}
		})

	print := func(r result) {
		if r.img == nil {
			fmt.Printf("%s: not modified, no cached copy\n", url)
			return
		}
		b := r.img.Bounds()
		fmt.Printf("%s: %s %dx%d, %d bytes, source=%s\n", url, codec.Sniff(r.data), b.Dx(), b.Dy(), len(r.data), r.cacheType)
	}

	var first result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case first = <-results:
	}
	if first.err != nil {
		return first.err
	}
	print(first)

	// A refresh of a cached hit may deliver a second, fresh result; a 304
	// or a plain miss ends after one. Wait until the load settles.
	if opts&webimage.OptionRefreshCached != 0 && first.cacheType != webimage.CacheTypeNone {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r := <-results:
				if r.err != nil {
					return r.err
				}
				print(r)
				return nil
			case <-ticker.C:
				if !m.IsRunning() {
					return nil
				}
			}
		}
	}
	return nil
}

func prefetchAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.NewExitError("prefetch takes one or more urls", 2)
	}

	m, err := newManager(c)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSIGINTHandler(m, cancel)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var fetched, failed atomic.Int64
	for _, url := range c.Args() {
		url := url
		g.Go(func() error {
			done := make(chan error, 1)
			m.LoadImage(url, webimage.OptionLowPriority, nil,
				func(img image.Image, data []byte, err error, cacheType webimage.CacheType, finished bool, u string) {
					if finished {
						done <- err
					}
				})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-done:
				if err != nil {
					failed.Add(1)
					mainLog.Warn().Str("url", url).Err(err).Msg("prefetch failed")
				} else {
					fetched.Add(1)
				}
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("prefetched %d, failed %d\n", fetched.Load(), failed.Load())
	return nil
}

func cacheInfoAction(c *cli.Context) error {
	m, err := newManager(c)
	if err != nil {
		return err
	}
	defer m.Close()

	done := make(chan struct{})
	m.Cache().CalculateSize(func(fileCount int, totalSize int64) {
		fmt.Printf("disk cache: %d files, %d bytes\n", fileCount, totalSize)
		close(done)
	})
	<-done
	return nil
}

func cacheClearAction(c *cli.Context) error {
	m, err := newManager(c)
	if err != nil {
		return err
	}
	defer m.Close()

	m.Cache().ClearMemory()
	if c.Bool("disk") {
		done := make(chan struct{})
		m.Cache().ClearDisk(func() {
			close(done)
		})
		<-done
		fmt.Println("memory and disk tiers cleared")
		return nil
	}
	fmt.Println("memory tier cleared")
	return nil
}
