// Command loadtest гоняет сценарии оформления заказов против OrderService
// и печатает латентности по методам.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	grpcsvc "github.com/vladislavdragonenkov/fulfillment/internal/service/grpc"
)

const idempotencyHeader = "idempotency-key"

type loadMode string

const (
	// modePlace только оформляет заказы и проверяет конкуренцию за остатки.
	modePlace loadMode = "place"
	// modePlaceAccept после оформления принимает заказ оператором склада.
	modePlaceAccept loadMode = "place-accept"
	// modePlaceCancel отменяет заказ клиентом и возвращает остаток на склад.
	modePlaceCancel loadMode = "place-cancel"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	addressID   string
	customerID  string
	itemID      string
	qty         int
	priceMinor  int64
	paymentMode string
	outputPath  string
	// stockFailOK не считает InsufficientStock провалом сценария.
	stockFailOK bool
}

// orderClient — часть OrderService, которую использует нагрузка.
type orderClient interface {
	PlaceOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	TransitionOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

var _ orderClient = (*grpcsvc.OrderServiceClient)(nil)

func parseConfig(args []string) (config, error) {
	var (
		cfg       config
		modeValue string
	)
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios in count mode; with -duration only used when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 20, "number of gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.StringVar(&modeValue, "mode", string(modePlace), "load mode: place | place-accept | place-cancel")
	fs.StringVar(&cfg.addressID, "address-id", "addr-blr", "delivery address id (must exist in the address book)")
	fs.StringVar(&cfg.customerID, "customer-id", "cust-1", "customer owning the address")
	fs.StringVar(&cfg.itemID, "item", "itemX", "item id to order")
	fs.IntVar(&cfg.qty, "qty", 1, "quantity per order")
	fs.Int64Var(&cfg.priceMinor, "price-minor", 1000, "item price in minor units")
	fs.StringVar(&cfg.paymentMode, "payment-mode", "cash", "payment mode: cash | online")
	fs.BoolVar(&cfg.stockFailOK, "stock-fail-ok", true, "do not count InsufficientStock as a failed scenario")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	switch {
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return cfg, errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.qty <= 0:
		return cfg, errors.New("qty must be > 0")
	case cfg.priceMinor < 0:
		return cfg, errors.New("price-minor must be >= 0")
	case strings.TrimSpace(cfg.addressID) == "":
		return cfg, errors.New("address-id is required")
	case strings.TrimSpace(cfg.customerID) == "":
		return cfg, errors.New("customer-id is required")
	case strings.TrimSpace(cfg.itemID) == "":
		return cfg, errors.New("item is required")
	}
	switch cfg.paymentMode {
	case "cash", "online":
	default:
		return cfg, fmt.Errorf("unsupported payment-mode: %s", cfg.paymentMode)
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modePlace, modePlaceAccept, modePlaceCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	clients := make([]orderClient, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, dialErr := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewOrderServiceClient(conn))
	}

	result := runLoad(clients, cfg)
	for _, conn := range conns {
		_ = conn.Close()
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

func runLoad(clients []orderClient, cfg config) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var (
		failures int64
		wg       sync.WaitGroup
	)
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func(client orderClient) {
			defer wg.Done()
			for id := range jobs {
				if err := runScenario(client, cfg, id, runID, col); err != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}(clients[workerID%len(clients)])
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}
	return result
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()
	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runScenario(client orderClient, cfg config, index int, runID string, col *collector) error {
	start := time.Now()
	code := codes.OK
	defer func() {
		col.record(scenarioMetric, time.Since(start), code)
	}()

	placement, err := callPlaceOrder(client, cfg, fmt.Sprintf("lt-place-%s-%d", runID, index), col)
	if err != nil {
		if cfg.stockFailOK && status.Code(err) == codes.FailedPrecondition && hasMissingItem(err) {
			col.recordOutOfStock()
			return nil
		}
		code = grpcCode(err)
		return err
	}

	order := placement.GetFields()["order"].GetStructValue()
	orderID := order.GetFields()["id"].GetStringValue()
	depotID := order.GetFields()["depot_id"].GetStringValue()
	if orderID == "" {
		code = codes.Internal
		return errors.New("place response returned empty order id")
	}
	col.recordPlacement(depotID)

	var (
		target string
		actor  map[string]interface{}
	)
	switch cfg.mode {
	case modePlace:
		return nil
	case modePlaceAccept:
		target = "accepted"
		actor = map[string]interface{}{"id": "loadtest-operator", "role": "operator", "depot_id": depotID}
	case modePlaceCancel:
		target = "cancelled"
		actor = map[string]interface{}{"id": cfg.customerID, "role": "customer"}
	}

	if err := callTransition(client, cfg.timeout, orderID, target, actor, fmt.Sprintf("lt-%s-%s-%d", target, runID, index), col); err != nil {
		code = grpcCode(err)
		return err
	}
	return nil
}

func placeRequest(cfg config) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"customer_id":  cfg.customerID,
		"address_id":   cfg.addressID,
		"payment_mode": cfg.paymentMode,
		"items": []interface{}{
			map[string]interface{}{
				"item_id":     cfg.itemID,
				"qty":         cfg.qty,
				"price_minor": cfg.priceMinor,
			},
		},
	})
}

func callPlaceOrder(client orderClient, cfg config, key string, col *collector) (*structpb.Struct, error) {
	req, err := placeRequest(cfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, idempotencyHeader, key)

	resp, err := client.PlaceOrder(ctx, req)
	col.record("PlaceOrder", time.Since(start), grpcCode(err))
	return resp, err
}

func callTransition(client orderClient, timeout time.Duration, orderID, target string, actor map[string]interface{}, key string, col *collector) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"order_id":      orderID,
		"target_status": target,
		"actor":         actor,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, idempotencyHeader, key)

	_, err = client.TransitionOrder(ctx, req)
	col.record("TransitionOrder", time.Since(start), grpcCode(err))
	return err
}

// hasMissingItem отличает нехватку остатка от прочих FailedPrecondition.
func hasMissingItem(err error) bool {
	for _, detail := range status.Convert(err).Details() {
		if st, ok := detail.(*structpb.Struct); ok {
			if st.GetFields()["item_id"].GetStringValue() != "" {
				return true
			}
		}
	}
	return false
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}
