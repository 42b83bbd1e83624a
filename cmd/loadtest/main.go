// Команда loadtest конкурентно подтверждает заказы на общий товар и проверяет,
// что остаток уменьшился ровно на подтверждённое количество.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	ordersv1 "github.com/vladislavdragonenkov/stockorders/api/orders/v1"
	"github.com/vladislavdragonenkov/stockorders/internal/client"
	grpcsvc "github.com/vladislavdragonenkov/stockorders/internal/service/grpc"
)

const (
	outcomeOK                = "OK"
	reasonInsufficientStock  = "INSUFFICIENT_STOCK"
	methodCreateOrder        = "CreateOrder"
	methodConfirmOrder       = "ConfirmOrder"
	defaultProductNamePrefix = "loadtest"
)

type config struct {
	addr        string
	products    int
	stock       int
	qty         int
	priceMinor  int64
	orders      int
	concurrency int
	timeout     time.Duration
	retries     int
	outputPath  string
}

func parseConfig(args []string, out io.Writer) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	fs.IntVar(&cfg.products, "products", 1, "number of shared products every order contains")
	fs.IntVar(&cfg.stock, "stock", 100, "initial stock of every product")
	fs.IntVar(&cfg.qty, "qty", 1, "quantity of every product in an order")
	fs.Int64Var(&cfg.priceMinor, "price-minor", 1000, "product price in minor units")
	fs.IntVar(&cfg.orders, "orders", 200, "number of orders to create and confirm concurrently")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-call timeout including retries")
	fs.IntVar(&cfg.retries, "retries", 5, "attempts per call for retryable errors")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	switch {
	case cfg.products <= 0:
		return cfg, errors.New("products must be > 0")
	case cfg.stock < 0:
		return cfg, errors.New("stock must be >= 0")
	case cfg.qty <= 0:
		return cfg, errors.New("qty must be > 0")
	case cfg.priceMinor <= 0:
		return cfg, errors.New("price-minor must be > 0")
	case cfg.orders <= 0:
		return cfg, errors.New("orders must be > 0")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.retries <= 0:
		return cfg, errors.New("retries must be > 0")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.WithError(err).Fatal("invalid config")
	}

	conn, err := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.WithError(err).Fatal("failed to create grpc client connection")
	}
	defer conn.Close()

	result, err := run(context.Background(), cfg, ordersv1.NewOrderServiceClient(conn), os.Stdout)
	if err != nil {
		log.WithError(err).Fatal("load test failed")
	}
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			log.WithError(err).Fatal("failed to write report")
		}
	}
	if len(result.Violations()) > 0 {
		os.Exit(1)
	}
}

// run создаёт товары и заказы, затем конкурентно подтверждает все заказы и сверяет остатки.
func run(ctx context.Context, cfg config, api ordersv1.OrderServiceClient, out io.Writer) (report, error) {
	logger := log.WithField("component", "loadtest")
	c := client.NewFromAPI(api,
		client.WithLogger(logger),
		client.WithRetryConfig(client.RetryConfig{
			MaxAttempts:   cfg.retries,
			InitialDelay:  5 * time.Millisecond,
			MaxDelay:      200 * time.Millisecond,
			BackoffFactor: 2,
		}),
	)

	productIDs, err := createProducts(ctx, api, cfg)
	if err != nil {
		return report{}, err
	}

	col := newCollector()
	startedAt := time.Now()

	orderIDs, err := createOrders(ctx, c, cfg, productIDs, col)
	if err != nil {
		return report{}, err
	}

	confirmed, rejected, failed := confirmOrders(ctx, c, cfg, orderIDs, col)
	duration := time.Since(startedAt)

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Orders:          int64(len(orderIDs)),
		Confirmed:       confirmed,
		Rejected:        rejected,
		Errors:          failed,
		Methods:         col.methodReports(),
	}
	if duration > 0 {
		result.RPS = float64(len(orderIDs)) / duration.Seconds()
	}

	result.Stock, err = verifyStock(ctx, api, cfg, productIDs, confirmed, rejected)
	if err != nil {
		return result, err
	}

	printReport(out, result)
	return result, nil
}

func createProducts(ctx context.Context, api ordersv1.OrderServiceClient, cfg config) ([]int64, error) {
	ids := make([]int64, 0, cfg.products)
	for i := 0; i < cfg.products; i++ {
		callCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		resp, err := api.CreateProduct(callCtx, &ordersv1.CreateProductRequest{
			Name:       fmt.Sprintf("%s-%d-%d", defaultProductNamePrefix, time.Now().UnixNano(), i),
			PriceMinor: cfg.priceMinor,
			Stock:      int32(cfg.stock),
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("create product %d: %w", i, err)
		}
		ids = append(ids, resp.Product.ID)
	}
	return ids, nil
}

func createOrders(ctx context.Context, c *client.Client, cfg config, productIDs []int64, col *collector) ([]string, error) {
	items := make([]*ordersv1.OrderItem, 0, len(productIDs))
	for _, id := range productIDs {
		items = append(items, &ordersv1.OrderItem{ProductID: id, Qty: int32(cfg.qty)})
	}

	orderIDs := make([]string, cfg.orders)
	errs := make([]error, cfg.orders)
	forEachConcurrently(cfg.orders, cfg.concurrency, func(i int) {
		callCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		defer cancel()

		start := time.Now()
		order, err := c.CreateOrder(callCtx, items)
		col.record(methodCreateOrder, time.Since(start), outcomeOf(err))
		if err != nil {
			errs[i] = err
			return
		}
		orderIDs[i] = order.GetID()
	})

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("create orders: %w", err)
	}
	return orderIDs, nil
}

func confirmOrders(ctx context.Context, c *client.Client, cfg config, orderIDs []string, col *collector) (confirmed, rejected, failed int64) {
	var mu sync.Mutex
	forEachConcurrently(len(orderIDs), cfg.concurrency, func(i int) {
		callCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		defer cancel()

		start := time.Now()
		_, err := c.ConfirmOrder(callCtx, orderIDs[i])
		outcome := outcomeOf(err)
		col.record(methodConfirmOrder, time.Since(start), outcome)

		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case outcomeOK:
			confirmed++
		case reasonInsufficientStock:
			rejected++
		default:
			failed++
		}
	})
	return confirmed, rejected, failed
}

// verifyStock сверяет остаток каждого товара с числом подтверждённых заказов.
func verifyStock(ctx context.Context, api ordersv1.OrderServiceClient, cfg config, productIDs []int64, confirmed, rejected int64) ([]stockCheck, error) {
	checks := make([]stockCheck, 0, len(productIDs))
	allAboveQty := true
	for _, id := range productIDs {
		callCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		resp, err := api.GetProduct(callCtx, &ordersv1.GetProductRequest{ProductID: id})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("get product %d: %w", id, err)
		}

		check := stockCheck{
			ProductID:      id,
			InitialStock:   int64(cfg.stock),
			FinalStock:     int64(resp.Product.Stock),
			ConfirmedUnits: confirmed * int64(cfg.qty),
		}
		check.ExpectedStock = check.InitialStock - check.ConfirmedUnits
		if check.FinalStock != check.ExpectedStock {
			check.Violations = append(check.Violations, fmt.Sprintf(
				"final stock %d differs from expected %d (lost update or double decrement)",
				check.FinalStock, check.ExpectedStock))
		}
		if check.FinalStock < 0 {
			check.Violations = append(check.Violations, fmt.Sprintf("stock went negative: %d", check.FinalStock))
		}
		if check.FinalStock < int64(cfg.qty) {
			allAboveQty = false
		}
		checks = append(checks, check)
	}

	if rejected > 0 && allAboveQty && len(checks) > 0 {
		checks[0].Violations = append(checks[0].Violations, fmt.Sprintf(
			"%d orders rejected for insufficient stock while every product still has >= %d units", rejected, cfg.qty))
	}
	return checks, nil
}

// forEachConcurrently вызывает fn для индексов [0, n) не более чем в workers горутинах.
func forEachConcurrently(n, workers int, fn func(i int)) {
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

// outcomeOf сводит ошибку к причине из ErrorInfo или к имени кода gRPC.
func outcomeOf(err error) string {
	if err == nil {
		return outcomeOK
	}
	if info, ok := grpcsvc.ErrorInfoFromStatus(err); ok && info.GetReason() != "" {
		return info.GetReason()
	}
	if errors.Is(err, client.ErrCircuitOpen) {
		return "CIRCUIT_OPEN"
	}
	if st, ok := status.FromError(err); ok {
		return st.Code().String()
	}
	return "UNKNOWN"
}
