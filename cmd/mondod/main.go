// Command mondod is a thin local-exercise entrypoint: it builds a genesis
// block, loads config, starts the TriStream miner against an in-process CoreHandle, and
// logs committed blocks until interrupted. It is not an RPC surface (spec.md
// §6's "CLI / process model ... out of scope for the core").
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	mondo "github.com/mondoshawan/mondo-core"
	"github.com/mondoshawan/mondo-core/internal/chain"
	"github.com/mondoshawan/mondo-core/internal/config"
	"github.com/mondoshawan/mondo-core/internal/crypto"
	"github.com/mondoshawan/mondo-core/internal/log"
	"github.com/mondoshawan/mondo-core/internal/storage"
)

var logger = log.New("pkg", "mondod")

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "path to a TOML config file; defaults are used for anything it omits",
}

var beneficiaryFlag = &cli.StringFlag{
	Name:  "beneficiary",
	Usage: "hex-encoded 20-byte address credited with mined block rewards",
}

var datadirFlag = &cli.StringFlag{
	Name:  "datadir",
	Usage: "directory for the committed-block LevelDB store; unset disables persistence",
}

func main() {
	app := &cli.App{
		Name:   "mondod",
		Usage:  "run a local Mondoshawan core instance",
		Flags:  []cli.Flag{configFlag, beneficiaryFlag, datadirFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.DefaultConfig()
	if p := c.String(configFlag.Name); p != "" {
		loaded, err := config.Load(p)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	genesisBlock := &chain.Block{
		Header: chain.BlockHeader{
			BlockNumber: 0,
			Parents:     nil,
			Timestamp:   0,
			Stream:      chain.StreamA,
			Algorithm:   chain.AlgA,
			Difficulty:  chain.MustU128FromString("1"),
		},
	}
	genesisBlock.Header.MerkleRoot = chain.ComputeMerkleRoot(crypto.Digest, nil)

	var beneficiary chain.Address
	if s := c.String(beneficiaryFlag.Name); s != "" {
		b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil || len(b) != len(beneficiary) {
			return fmt.Errorf("mondod: beneficiary must be a %d-byte hex address", len(beneficiary))
		}
		copy(beneficiary[:], b)
	}

	handle, err := mondo.New(cfg, mondo.Genesis{Block: genesisBlock, Beneficiary: beneficiary})
	if err != nil {
		return err
	}

	if dir := c.String(datadirFlag.Name); dir != "" {
		sink, err := storage.Open(dir)
		if err != nil {
			return err
		}
		defer sink.Close()
		handle.RegisterPersistenceSink(sink.OnCommit)
	}

	handle.StartMining()
	logger.Info("mondod started", "selected_tip", handle.SelectedTip())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	handle.StopMining()
	return nil
}
