// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bufbuild/kvlb"
	"github.com/bufbuild/kvlb/codec"
	"github.com/bufbuild/kvlb/config"
	"github.com/bufbuild/kvlb/conn"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
}

var cmdArgs cliArgs

var logTags = log.Fields{"component": "main"}

func main() {
	app := &cli.App{
		Usage:       "kvlb command line",
		Description: "Run commands through a kvlb connection manager",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				Destination: &cmdArgs.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				Destination: &cmdArgs.LogLevel,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Config file. KVLB_* environment variables override it.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Destination: &cmdArgs.ConfigFile,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "ping",
				Usage:  "PING the master and every slave",
				Action: ping,
			},
			{
				Name:      "get",
				Usage:     "GET a key from a slave",
				ArgsUsage: "KEY",
				Action:    get,
			},
			{
				Name:      "set",
				Usage:     "SET a key on the master",
				ArgsUsage: "KEY VALUE",
				Action:    set,
			},
			{
				Name:      "publish",
				Usage:     "PUBLISH a message on the master",
				ArgsUsage: "CHANNEL MESSAGE",
				Action:    publish,
			},
			{
				Name:      "subscribe",
				Usage:     "Print the messages published on channels until interrupted",
				ArgsUsage: "CHANNEL...",
				Action:    subscribe,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Command failed")
	}
}

func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetFormatter(&log.JSONFormatter{})
	}
	level, err := log.ParseLevel(cmdArgs.LogLevel)
	if err != nil {
		level = log.ErrorLevel
	}
	log.SetLevel(level)
}

// startManager validates the arguments, loads the config and connects.
func startManager() (*kvlb.Manager, error) {
	if err := validator.New().Struct(&cmdArgs); err != nil {
		return nil, errors.WithMessage(err, "invalid arguments")
	}
	setupLogging()
	cfg, err := config.Load(cmdArgs.ConfigFile)
	if err != nil {
		return nil, err
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		tmp, err := json.MarshalIndent(&cfg, "", "  ")
		if err == nil {
			log.WithFields(logTags).Debugf("Config\n%s", tmp)
		}
	}
	return kvlb.NewManager(cfg, kvlb.WithCodec(codec.String{}))
}

func withManager(action func(ctx context.Context, manager *kvlb.Manager) error) error {
	manager, err := startManager()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err = action(ctx, manager)
	if closeErr := manager.Close(context.Background()); err == nil {
		err = closeErr
	}
	return err
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return errors.Errorf("%s expects %d argument(s), got %d", c.Command.Name, n, c.NArg())
	}
	return nil
}

func ping(*cli.Context) error {
	return withManager(func(ctx context.Context, manager *kvlb.Manager) error {
		err := manager.WithWriteConnection(ctx, func(c conn.Conn) error {
			return printReply(ctx, c, "PING")
		})
		if err != nil {
			return err
		}
		for range manager.Stats().Slaves {
			err := manager.WithReadConnection(ctx, func(c conn.Conn) error {
				return printReply(ctx, c, "PING")
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func get(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withManager(func(ctx context.Context, manager *kvlb.Manager) error {
		return manager.WithReadConnection(ctx, func(rc conn.Conn) error {
			return printReply(ctx, rc, "GET", c.Args().Get(0))
		})
	})
}

func set(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	return withManager(func(ctx context.Context, manager *kvlb.Manager) error {
		return manager.WithWriteConnection(ctx, func(rc conn.Conn) error {
			return printReply(ctx, rc, "SET", c.Args().Get(0), c.Args().Get(1))
		})
	})
}

func publish(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	return withManager(func(ctx context.Context, manager *kvlb.Manager) error {
		return manager.WithWriteConnection(ctx, func(rc conn.Conn) error {
			return printReply(ctx, rc, "PUBLISH", c.Args().Get(0), c.Args().Get(1))
		})
	})
}

func subscribe(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("subscribe expects at least one channel")
	}
	return withManager(func(ctx context.Context, manager *kvlb.Manager) error {
		printer := kvlb.ListenerFunc(func(msg conn.Message) {
			fmt.Printf("%s: %s\n", msg.Channel, msg.Payload)
		})
		for _, channel := range c.Args().Slice() {
			if _, _, err := manager.Subscribe(ctx, channel, printer); err != nil {
				return err
			}
			log.WithFields(logTags).WithField("channel", channel).Info("Subscribed")
		}
		<-ctx.Done()
		return nil
	})
}

func printReply(ctx context.Context, c conn.Conn, args ...any) error {
	reply, err := c.Do(ctx, args...)
	if err != nil {
		return errors.WithMessagef(err, "%s on %s", args[0], c.Address())
	}
	switch r := reply.(type) {
	case nil:
		fmt.Printf("%s: (nil)\n", c.Address())
	case []byte:
		fmt.Printf("%s: %s\n", c.Address(), r)
	default:
		fmt.Printf("%s: %v\n", c.Address(), r)
	}
	return nil
}
