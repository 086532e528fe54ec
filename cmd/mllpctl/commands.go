package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/mllp/internal/admin"
	"github.com/danmuck/mllp/internal/config"
	"github.com/danmuck/mllp/internal/consumer"
	"github.com/danmuck/mllp/internal/logging"
	"github.com/danmuck/mllp/internal/producer"
	"github.com/danmuck/mllp/internal/protocol/hl7"
	"github.com/danmuck/mllp/internal/protocol/session"
	"golang.org/x/sync/errgroup"
)

func loadConfig(path string) (config.App, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.App{}, fmt.Errorf("load mllpctl config: %w", err)
	}
	return cfg, nil
}

func serveCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	path := fs.String("config", "", "config file (.toml or .yaml)")
	listen := fs.String("listen", "", "override listen_addr")
	adminAddr := fs.String("admin", "", "override admin_listen_addr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *adminAddr != "" {
		cfg.AdminListenAddr = *adminAddr
	}
	return serve(ctx, cfg)
}

func serve(ctx context.Context, cfg config.App) error {
	srv, err := consumer.New(consumer.Config{
		ListenAddr: cfg.ListenAddr,
		Session:    cfg.Session,
	}, logHandler(cfg.Session.AutoAck))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	if cfg.AdminListenAddr != "" {
		adm := admin.New(admin.Config{
			Node:        cfg.Node,
			ListenAddr:  cfg.AdminListenAddr,
			CORSOrigins: cfg.CORSOrigins,
		})
		adm.Manage("consumer", srv)
		g.Go(func() error { return adm.Run(ctx) })
	}
	return g.Wait()
}

// logHandler accepts every message. With auto-acknowledge off it builds the
// acknowledgement itself so peers are still answered.
func logHandler(autoAck bool) consumer.Handler {
	log := logging.Component("mllpctl")
	return consumer.HandlerFunc(func(ctx context.Context, msg *consumer.Message) (consumer.Reply, error) {
		ev := log.Info()
		for k, v := range msg.Metadata() {
			ev = ev.Str(k, v)
		}
		ev.Int("bytes", len(msg.Payload)).Msg("mllpctl.serve received")
		if autoAck {
			return consumer.Reply{Code: hl7.Accept}, nil
		}
		ack, err := hl7.GenerateAck(msg.Payload, hl7.Accept, "")
		if err != nil {
			ack, err = hl7.BareAck(hl7.Accept, "")
		}
		return consumer.Reply{Ack: ack}, err
	})
}

func sendCmd(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	path := fs.String("config", "", "config file (.toml or .yaml)")
	to := fs.String("to", "", "override destination")
	file := fs.String("file", "-", "payload file, - for stdin")
	repeat := fs.Int("repeat", 1, "number of times to send the payload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	if *to != "" {
		cfg.Destination = *to
	}

	var raw []byte
	if *file == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(*file)
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	payload := segmentsFromText(raw)
	if len(payload) == 0 {
		return errors.New("empty payload")
	}

	client, err := producer.NewClient(producer.Config{Address: cfg.Destination, Session: cfg.Session})
	if err != nil {
		return err
	}
	defer client.Close()

	for i := 0; i < max(*repeat, 1); i++ {
		res, err := client.Send(ctx, payload)
		if err != nil {
			var serr *session.Error
			if errors.As(err, &serr) && serr.Ack != nil {
				fmt.Fprintln(stdout, displayAck(serr.Ack))
			}
			return err
		}
		fmt.Fprintln(stdout, displayAck(res.Ack.Raw))
	}
	return nil
}

// segmentsFromText turns a message edited as text lines into CR-separated
// segments.
func segmentsFromText(raw []byte) []byte {
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\r"))
	raw = bytes.ReplaceAll(raw, []byte("\n"), []byte("\r"))
	raw = bytes.TrimRight(raw, "\r")
	if len(raw) == 0 {
		return nil
	}
	return append(raw, '\r')
}

func displayAck(ack []byte) string {
	return strings.TrimRight(strings.ReplaceAll(string(ack), "\r", "\n"), "\n")
}

func initCmd(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	kind := fs.String("kind", "consumer", "config kind: consumer|producer")
	output := fs.String("output", "", "output path for config template (defaults to mllpctl.<kind>.toml)")
	force := fs.Bool("force", false, "overwrite existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target := *output
	if target == "" {
		target = "mllpctl." + *kind + ".toml"
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s config template to %s\n", *kind, target)
	return nil
}

func configCmd(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	path := fs.String("config", "", "config file to validate (.toml or .yaml)")
	format := fs.String("format", "toml", "output format: toml|yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	out, err := config.Render(cfg, *format)
	if err != nil {
		return err
	}
	_, err = stdout.Write(out)
	return err
}
