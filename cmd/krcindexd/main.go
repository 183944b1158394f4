package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"krcindex/cluster"
	"krcindex/config"
	"krcindex/gateway"
	"krcindex/indexer"
	"krcindex/observability/logging"
	"krcindex/protocol"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	replayFile := flag.String("replay", "", "Ingest a block dump (one JSON block per line) before serving")
	rollbackTo := flag.Int64("rollback", -1, "Roll the index back to this sequence before serving")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("krcindexd", logging.Options{
		Env:       cfg.Log.Env,
		File:      cfg.Log.File,
		MaxSizeMB: cfg.Log.MaxSizeMB,
		MaxAgeDay: cfg.Log.MaxAgeDay,
	})

	protocol.ApplyTickReserved(cfg.Protocol.ReservedTicks)

	c, err := cluster.Open(cfg, logger)
	if err != nil {
		logger.Error("Failed to open cluster", slog.Any("error", err))
		os.Exit(1)
	}
	defer c.Close()

	monitor := cluster.NewMonitor(c, 5*time.Second, 3)
	monitor.Start()
	defer monitor.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rollback := indexer.NewRollback(c, cfg.Rollback.RetentionDepth, logger)
	if *rollbackTo >= 0 {
		if err := rollback.RollbackTo(ctx, uint64(*rollbackTo)); err != nil {
			logger.Error("Rollback failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	if *replayFile != "" {
		processor := indexer.NewProcessor(c, logger)
		last, err := replay(ctx, processor, *replayFile, cfg.Testnet, logger)
		if err != nil {
			logger.Error("Replay failed", slog.Any("error", err))
			os.Exit(1)
		}
		if err := rollback.Prune(ctx, last); err != nil {
			logger.Error("Undo pruning failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	server := gateway.New(cfg.ListenAddress, indexer.NewQuery(c), c, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Gateway failed", slog.Any("error", err))
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Gateway shutdown failed", slog.Any("error", err))
		}
	}
}

type replayEnvelope struct {
	Script string `json:"script"`
	TxID   string `json:"txid"`
	Index  uint32 `json:"index"`
	From   string `json:"from"`
	Fee    uint64 `json:"fee"`
}

type replayBlock struct {
	Sequence  uint64           `json:"sequence"`
	Envelopes []replayEnvelope `json:"envelopes"`
}

// replay streams an exported block dump through the processor, one JSON
// block per line, and returns the last ingested sequence.
func replay(ctx context.Context, processor *indexer.Processor, path string, testnet bool, logger *slog.Logger) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var (
		last   uint64
		blocks int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw replayBlock
		if err := json.Unmarshal(line, &raw); err != nil {
			return last, fmt.Errorf("block %d: %w", blocks+1, err)
		}
		blk := indexer.Block{Sequence: raw.Sequence}
		for _, e := range raw.Envelopes {
			script, err := hex.DecodeString(e.Script)
			if err != nil {
				return last, fmt.Errorf("block %d tx %s: %w", blocks+1, e.TxID, err)
			}
			blk.Envelopes = append(blk.Envelopes, protocol.Envelope{
				Script:   script,
				TxID:     e.TxID,
				Index:    e.Index,
				Sequence: raw.Sequence,
				From:     e.From,
				Fee:      e.Fee,
				Testnet:  testnet,
			})
		}
		if err := processor.ProcessBlock(ctx, blk); err != nil {
			return last, err
		}
		last = raw.Sequence
		blocks++
	}
	if err := scanner.Err(); err != nil {
		return last, err
	}
	logger.Info("Replay complete", slog.Int("blocks", blocks), slog.Uint64("lastSequence", last))
	return last, nil
}
