// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

// Command hpi lists, extracts, assembles and compares HPI archives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	hpi "github.com/suprsokr/go-hpi"
)

const usage = `usage: hpi <command> [flags] <args>

commands:
  list     <archive>
  extract  [-strict] [-checksums] [-workers N] <archive> <dest>
  assemble [-mode N] [-seed N] [-reference archive] <src-dir> <out>
  verify   <a> <b>
`

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "list":
		err = runList(log, args)
	case "extract":
		err = runExtract(ctx, log, args)
	case "assemble":
		err = runAssemble(log, args)
	case "verify":
		err = runVerify(log, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		var failures hpi.FailureList
		if errors.As(err, &failures) {
			for _, f := range failures {
				log.WithFields(logrus.Fields{"path": f.Path, "offset": f.Offset}).Error(f.Err)
			}
			log.Fatalf("%d entries failed", len(failures))
		}
		log.Fatal(err)
	}
}

func newFlags(name string, verbose *bool) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.BoolVar(verbose, "v", false, "log debug output")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	return fs
}

func runList(log *logrus.Logger, args []string) error {
	var verbose bool
	fs := newFlags("list", &verbose)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("list needs an archive")
	}
	setLevel(log, verbose)

	a, err := hpi.Open(fs.Arg(0), hpi.WithLogger(log))
	if err != nil {
		return err
	}
	defer a.Close()

	h := a.Header()
	fmt.Printf("version 0x%08X  seed 0x%02X  key 0x%02X  root 0x%X\n", h.Version, h.KeySeed, byte(h.Key), h.RootOffset)

	entries, listErr := a.List()
	for _, e := range entries {
		if e.IsDir {
			fmt.Printf("%10s  %s/\n", "-", e.Path)
			continue
		}
		fmt.Printf("%10d  %s\n", e.Size, e.Path)
	}
	return listErr
}

func runExtract(ctx context.Context, log *logrus.Logger, args []string) error {
	var (
		verbose, strict, checksums bool
		workers                    int
	)
	fs := newFlags("extract", &verbose)
	fs.BoolVar(&strict, "strict", false, "fail on size mismatches instead of truncating")
	fs.BoolVar(&checksums, "checksums", false, "verify chunk checksums")
	fs.IntVar(&workers, "workers", 0, "files extracted concurrently (0 = GOMAXPROCS)")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errors.New("extract needs an archive and a destination")
	}
	setLevel(log, verbose)

	opts := []hpi.Option{
		hpi.WithLogger(log),
		hpi.WithStrict(strict),
		hpi.WithChecksumVerification(checksums),
	}
	if workers > 0 {
		opts = append(opts, hpi.WithWorkers(workers))
	}

	a, err := hpi.Open(fs.Arg(0), opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ExtractAll(ctx, fs.Arg(1)); err != nil {
		return err
	}
	log.WithField("dest", fs.Arg(1)).Info("extracted")
	return nil
}

func runAssemble(log *logrus.Logger, args []string) error {
	var (
		verbose   bool
		mode      uint
		seed      uint
		reference string
	)
	fs := newFlags("assemble", &verbose)
	fs.UintVar(&mode, "mode", uint(hpi.CompressionZlib), "chunk compression: 0 none, 1 lz77, 2 zlib")
	fs.UintVar(&seed, "seed", 0, "header key seed (0 = unencrypted)")
	fs.StringVar(&reference, "reference", "", "reproduce the layout of this archive")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errors.New("assemble needs a source directory and an output path")
	}
	setLevel(log, verbose)
	if mode > uint(hpi.CompressionZlib) || seed > 0xFF {
		return fmt.Errorf("mode %d or seed %d out of range", mode, seed)
	}

	opts := []hpi.Option{
		hpi.WithLogger(log),
		hpi.WithCompression(hpi.Compression(mode)),
		hpi.WithKeySeed(byte(seed)),
	}
	if reference != "" {
		ref, err := hpi.Open(reference, hpi.WithLogger(log))
		if err != nil {
			return err
		}
		defer ref.Close()
		opts = append(opts, hpi.WithReference(ref))
	}

	w, err := hpi.Create(fs.Arg(1), opts...)
	if err != nil {
		return err
	}
	if err := w.AddFS(os.DirFS(fs.Arg(0))); err != nil {
		w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.WithField("out", fs.Arg(1)).Info("assembled")
	return nil
}

func runVerify(log *logrus.Logger, args []string) error {
	var verbose bool
	fs := newFlags("verify", &verbose)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errors.New("verify needs two archives")
	}
	setLevel(log, verbose)

	got, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	want, err := os.ReadFile(fs.Arg(1))
	if err != nil {
		return err
	}
	if err := hpi.VerifyFidelity(got, want); err != nil {
		return err
	}
	fmt.Println("identical")
	return nil
}

func setLevel(log *logrus.Logger, verbose bool) {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
}
