package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis"
	"github.com/urfave/cli"

	"github.com/WangWindow/AvaGodots/api"
	"github.com/WangWindow/AvaGodots/backend"
	httpbackend "github.com/WangWindow/AvaGodots/backend/http_backend"
	kafkabackend "github.com/WangWindow/AvaGodots/backend/kafka_backend"
	sqsbackend "github.com/WangWindow/AvaGodots/backend/sqs_backend"
	"github.com/WangWindow/AvaGodots/config"
	"github.com/WangWindow/AvaGodots/history"
	"github.com/WangWindow/AvaGodots/installer"
	"github.com/WangWindow/AvaGodots/job"
	"github.com/WangWindow/AvaGodots/notifier"
	"github.com/WangWindow/AvaGodots/processor"
	"github.com/WangWindow/AvaGodots/processor/filestorage"
	"github.com/WangWindow/AvaGodots/registry"
)

var (
	sigCh = make(chan os.Signal, 1)
	cfg   config.Config
)

func main() {
	app := cli.NewApp()
	app.Name = "avagodots"
	app.Usage = "Editor build download and install service"
	app.HideVersion = true

	configFlag := cli.StringFlag{
		Name:  "config, c",
		Usage: "`FILE` to load config from",
		Value: "config.json",
	}

	app.Commands = cli.Commands{
		cli.Command{
			Name:  "serve",
			Usage: "Start the download service: processor, notifier and API",
			Flags: []cli.Flag{configFlag},
			Action: func(c *cli.Context) error {
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

				hist, err := buildStore("serve")
				if err != nil {
					return err
				}
				proc, err := buildProcessor(hist)
				if err != nil {
					return err
				}
				notif, err := buildNotifier(hist)
				if err != nil {
					return err
				}

				logger := log.New(os.Stderr, "[serve] ", log.Ldate|log.Ltime)
				as := api.New(proc, hist, cfg.API.Addr, cfg.API.HeartbeatPath)
				go func() {
					logger.Printf("Listening on %s...", as.Server.Addr)
					err := as.Server.ListenAndServe()
					if err != nil && err != http.ErrServerClosed {
						logger.Fatal(err)
					}
				}()

				procChan := make(chan struct{})
				go proc.Start(procChan)
				notifChan := make(chan struct{})
				go func() {
					if err := notif.Start(notifChan); err != nil {
						logger.Fatal(err)
					}
				}()

				<-sigCh
				logger.Println("Shutting down gracefully...")
				if err := as.Server.Shutdown(context.TODO()); err != nil {
					logger.Println("Error shutting down the API server:", err)
				}
				procChan <- struct{}{}
				<-procChan
				notifChan <- struct{}{}
				<-notifChan
				logger.Println("Bye!")
				return nil
			},
			Before: parseConfig,
		},
		cli.Command{
			Name:      "fetch",
			Usage:     "Download and install a single artifact, then exit",
			ArgsUsage: "URL FILENAME",
			Flags: []cli.Flag{
				configFlag,
				cli.StringFlag{
					Name:  "kind, k",
					Usage: "artifact `KIND`: editor or export-template",
					Value: string(job.KindEditor),
				},
				cli.StringFlag{
					Name:  "name, n",
					Usage: "display `NAME` to install the build under",
				},
			},
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return errors.New("Expected exactly two arguments: URL FILENAME")
				}

				hist := history.NewMemoryStore()
				proc, err := buildProcessor(hist)
				if err != nil {
					return err
				}

				closeChan := make(chan struct{})
				go proc.Start(closeChan)

				j, err := proc.StartDownload(c.Args().Get(0), c.Args().Get(1),
					c.String("name"), job.Kind(c.String("kind")))
				if err != nil {
					return err
				}

				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				select {
				case <-sigCh:
					proc.Log.Println("Interrupted, cancelling...")
					proc.Cancel(j.ID)
					<-j.Finished()
				case <-j.Finished():
				}

				closeChan <- struct{}{}
				<-closeChan

				s := j.Snapshot()
				fmt.Printf("%s: %s\n", s.State, s.StatusText)
				if s.State != job.StateCompleted {
					return cli.NewExitError("", 1)
				}
				return nil
			},
			Before: parseConfig,
		},
		cli.Command{
			Name:  "editors",
			Usage: "List the installed editor builds",
			Flags: []cli.Flag{configFlag},
			Action: func(c *cli.Context) error {
				reg, err := registry.NewFileRegistry(cfg.Installer.VersionsDir)
				if err != nil {
					return err
				}
				editors, err := reg.List()
				if err != nil {
					return err
				}
				for _, ed := range editors {
					fmt.Printf("%s\t%s\t%s\n", ed.Name, ed.Path,
						ed.InstalledAt.Format("2006-01-02 15:04"))
				}
				return nil
			},
			Before: parseConfig,
		},
		cli.Command{
			Name:  "history",
			Usage: "List the download history, most recent first",
			Flags: []cli.Flag{configFlag},
			Action: func(c *cli.Context) error {
				hist, err := buildStore("history")
				if err != nil {
					return err
				}
				records, err := hist.ListRecords()
				if err != nil {
					return err
				}
				for _, rec := range records {
					fmt.Printf("%s\t%s\t%s\t%s\n", rec.ID, rec.Status, rec.Kind, rec.URL)
				}
				return nil
			},
			Before: parseConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// parseConfig extracts configuration from the provided config file
func parseConfig(c *cli.Context) error {
	var err error
	cfg, err = config.Parse(c.String("config"))
	return err
}

// buildStore returns the Redis-backed history store when a Redis
// address is configured and the in-memory one otherwise.
func buildStore(name string) (history.Store, error) {
	if cfg.Redis.Addr == "" {
		return history.NewMemoryStore(), nil
	}
	return history.NewRedisStore(redisClient(name, cfg.Redis.Addr))
}

func buildProcessor(hist history.Store) (*processor.Processor, error) {
	reg, err := registry.NewFileRegistry(cfg.Installer.VersionsDir)
	if err != nil {
		return nil, err
	}

	logger := log.New(os.Stderr, "[processor] ", log.Ldate|log.Ltime)
	inst, err := installer.New(cfg.Installer.VersionsDir, reg, cfg.Installer.MimePattern, logger)
	if err != nil {
		return nil, err
	}

	fs, err := buildFileStorage()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Processor.StagingDir, os.FileMode(0755)); err != nil {
		return nil, err
	}
	proc, err := processor.New(hist, inst, fs, cfg.Processor.StagingDir, logger)
	if err != nil {
		return nil, err
	}

	proc.UserAgent = cfg.Processor.UserAgent
	if cfg.Processor.ChunkThreshold > 0 {
		proc.ChunkThreshold = cfg.Processor.ChunkThreshold
	}
	if cfg.Processor.ChunkWorkers > 0 {
		proc.ChunkWorkers = cfg.Processor.ChunkWorkers
	}
	if cfg.Processor.IdleTimeout > 0 {
		proc.IdleTimeout = time.Duration(cfg.Processor.IdleTimeout) * time.Second
	}
	if cfg.Processor.StatsInterval > 0 {
		proc.StatsIntvl = time.Duration(cfg.Processor.StatsInterval) * time.Second
	}
	return proc, nil
}

// buildFileStorage maps the configured storage backend to an
// implementation, defaulting to the local downloads directory.
func buildFileStorage() (filestorage.FileStorage, error) {
	backendCfg := cfg.Processor.StorageBackend
	switch backendCfg["type"] {
	case "", "filesystem":
		dir := cfg.Processor.DownloadsDir
		if dir == "" {
			return nil, errors.New("A downloads directory must be configured")
		}
		if err := os.MkdirAll(dir, os.FileMode(0755)); err != nil {
			return nil, err
		}
		return filestorage.NewFileSystem(dir), nil
	case "s3":
		fs := filestorage.NewAWSS3(backendCfg["region"], backendCfg["bucket"])
		if fs == nil {
			return nil, errors.New("Could not establish an AWS session")
		}
		return fs, nil
	default:
		return nil, fmt.Errorf("Unknown storage backend %q", backendCfg["type"])
	}
}

// buildNotifier constructs the notifier with one backend per configured
// entry.
func buildNotifier(hist history.Store) (*notifier.Notifier, error) {
	logger := log.New(os.Stderr, "[notifier] ", log.Ldate|log.Ltime)
	concurrency := cfg.Notifier.Concurrency
	if concurrency == 0 {
		concurrency = 1
	}
	notif, err := notifier.New(hist, concurrency, logger)
	if err != nil {
		return nil, err
	}

	for id, bcfg := range cfg.Backends {
		var b backend.Backend
		switch id {
		case "http":
			b = new(httpbackend.Backend)
		case "kafka":
			b = new(kafkabackend.Backend)
		case "sqs":
			b = new(sqsbackend.Backend)
		default:
			return nil, fmt.Errorf("Unknown notifier backend %q", id)
		}

		dst, ok := bcfg["destination"].(string)
		if !ok || dst == "" {
			return nil, fmt.Errorf("Backend %q is missing a destination", id)
		}
		delete(bcfg, "destination")
		notif.RegisterBackend(b, dst, bcfg)
	}
	return notif, nil
}

func redisClient(name, addr string) *redis.Client {
	setName := func(c *redis.Conn) error {
		ok, err := c.ClientSetName(name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("Error setting Redis client name to " + name)
		}
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, OnConnect: setName})
}
