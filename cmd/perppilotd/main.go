package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"

	"PerpPilot-Chain/internal/api"
	"PerpPilot-Chain/internal/builder"
	"PerpPilot-Chain/internal/chain"
	"PerpPilot-Chain/internal/config"
	"PerpPilot-Chain/internal/flow"
	"PerpPilot-Chain/internal/ledger"
	"PerpPilot-Chain/internal/notify"
	"PerpPilot-Chain/internal/observability/alerting"
	"PerpPilot-Chain/internal/pipeline"
	"PerpPilot-Chain/internal/signer"
	"PerpPilot-Chain/internal/submit"
	"PerpPilot-Chain/internal/venue"
	"PerpPilot-Chain/pkg/logger"
)

// main 是 PerpPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("perppilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PERPPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "perppilot.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 账本网络客户端。
	chainClient, err := chain.NewClient(chain.Config{Endpoint: cfg.Chain.RPCURL})
	if err != nil {
		return err
	}

	// 场内协议目录与查询。
	programID, err := solana.PublicKeyFromBase58(cfg.Venue.ProgramID)
	if err != nil {
		return fmt.Errorf("解析场内程序地址失败: %w", err)
	}
	catalog, err := venue.LoadCatalog(cfg.Venue.MarketsPath)
	if err != nil {
		return err
	}
	venueQuery, err := venue.NewChainQuery(catalog, chainClient, programID)
	if err != nil {
		return err
	}

	// 意图状态机。
	var intentStore flow.IntentStore
	switch cfg.Flow.Driver {
	case "", "memory":
		intentStore = flow.NewMemoryStore()
	case "redis":
		store, err := flow.NewRedisStore(ctx, cfg.Flow.Redis)
		if err != nil {
			return err
		}
		intentStore = store
	default:
		return fmt.Errorf("未知的意图存储驱动: %s", cfg.Flow.Driver)
	}
	defer func() {
		_ = intentStore.Close()
	}()

	flows := flow.NewManager(intentStore,
		flow.WithTTL(cfg.Flow.TTL()),
		flow.WithSweepInterval(cfg.Flow.SweepInterval()),
	)
	flows.StartSweeper(ctx)

	// 交易账本。
	var store ledger.Store
	switch cfg.Storage.Ledger.Driver {
	case "", "memory":
		store = ledger.NewMemoryStore()
	case "mysql":
		mysqlStore, err := ledger.NewMySQLStore(cfg.Storage.Ledger.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的账本驱动: %s", cfg.Storage.Ledger.Driver)
	}
	defer func() {
		_ = store.Close()
	}()

	// 状态事件队列。
	var queue notify.Queue
	switch cfg.Notify.Driver {
	case "", "memory":
		queue = notify.NewMemoryQueue(1024)
	case "rabbitmq":
		rabbit, err := notify.NewRabbitMQQueue(cfg.Notify.RabbitMQ)
		if err != nil {
			return err
		}
		queue = rabbit
	default:
		return fmt.Errorf("未知的通知队列驱动: %s", cfg.Notify.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭通知队列失败: %v", err)
		}
	}()

	// 交易构建与签名提交。
	txBuilder, err := builder.NewBuilder(venueQuery, chainClient, programID)
	if err != nil {
		return err
	}
	custodial := signer.NewHTTPSigner(cfg.Signer.HTTPConfig())
	submitter := submit.NewService(chainClient, custodial,
		submit.WithPolicy(submit.Policy{
			MaxRetries: cfg.Submit.MaxRetries,
			BaseDelay:  time.Duration(cfg.Submit.BaseDelayMillis) * time.Millisecond,
			MaxDelay:   time.Duration(cfg.Submit.MaxDelayMillis) * time.Millisecond,
		}),
		submit.WithCommitment(chain.Commitment(cfg.Chain.Commitment)),
		submit.WithConfirmation(
			time.Duration(cfg.Submit.ConfirmEverySeconds)*time.Second,
			time.Duration(cfg.Submit.ConfirmTimeoutSecs)*time.Second,
		),
	)

	pipelineOpts := []pipeline.Option{pipeline.WithNotifier(queue)}
	if notifiers := cfg.Alerting.Notifiers(); len(notifiers) > 0 {
		pipelineOpts = append(pipelineOpts, pipeline.WithAlerts(alerting.NewFanout(notifiers...)))
	}
	svc := pipeline.NewService(flows, txBuilder, submitter, store, pipelineOpts...)

	server := api.NewServer(cfg.Server.Address, store, flows, svc, venueQuery)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
