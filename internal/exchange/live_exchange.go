package exchange

import (
	"adaptive-grid-go/internal/idgen"
	"adaptive-grid-go/internal/models"
	"context"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// clientOrderPrefix 本系统下单的 clientOrderId 前缀
const clientOrderPrefix = "asg_"

// LiveExchange 通过 go-binance 访问币安U本位合约
type LiveExchange struct {
	client  *futures.Client
	limiter *rate.Limiter
	ids     *idgen.Generator
	logger  *zap.Logger
}

// NewLiveExchange 创建币安合约网关. baseURL 为空时使用 go-binance 默认地址
func NewLiveExchange(apiKey, secretKey, baseURL string, rps float64, burst int, ids *idgen.Generator, logger *zap.Logger) *LiveExchange {
	client := futures.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &LiveExchange{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		ids:     ids,
		logger:  logger.Named("binance"),
	}
}

// Client 返回底层的 go-binance 客户端
func (e *LiveExchange) Client() *futures.Client {
	return e.client
}

func (e *LiveExchange) wait(ctx context.Context) error {
	return errors.Wrap(e.limiter.Wait(ctx), "限速等待被取消")
}

// GetChartData 获取K线
func (e *LiveExchange) GetChartData(ctx context.Context, q ChartQuery) ([]models.Candle, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	svc := e.client.NewKlinesService().Symbol(q.Symbol).Interval(q.Interval)
	if q.Limit > 0 {
		svc = svc.Limit(q.Limit)
	}
	if q.EndTime > 0 {
		svc = svc.EndTime(q.EndTime)
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "获取 %s K线失败", q.Symbol)
	}
	out := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		out = append(out, models.Candle{
			OpenTime:  k.OpenTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: k.CloseTime,
		})
	}
	return out, nil
}

// CreateOrder 下单. STOP 单以 STOP_MARKET 发送, price 作为触发价
func (e *LiveExchange) CreateOrder(ctx context.Context, symbol string, side models.Side, orderType models.OrderType, size, price float64) (*OrderAck, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	clientID := e.ids.ClientOrderID(clientOrderPrefix)
	svc := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Quantity(formatFloat(size)).
		NewClientOrderID(clientID)

	switch orderType {
	case models.Limit:
		svc = svc.Type(futures.OrderTypeLimit).TimeInForce(futures.TimeInForceTypeGTC).Price(formatFloat(price))
	case models.Stop:
		svc = svc.Type(futures.OrderTypeStopMarket).StopPrice(formatFloat(price))
	case models.Market:
		svc = svc.Type(futures.OrderTypeMarket)
	default:
		return nil, errors.Errorf("不支持的订单类型: %s", orderType)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "下单失败 %s %s %s", symbol, side, orderType)
	}
	ack := &OrderAck{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Status:        mapOrderStatus(string(res.Status)),
	}
	if ack.Status == models.OrderFilled {
		ack.FillPrice = parseFloat(res.AvgPrice)
	}
	e.logger.Debug("order placed",
		zap.String("symbol", symbol),
		zap.String("order_id", ack.OrderID),
		zap.String("side", string(side)),
		zap.String("type", string(orderType)),
		zap.Float64("price", price),
		zap.Float64("size", size))
	return ack, nil
}

// CancelOrder 撤单. exchangeOrderID 不是数字时按 clientOrderId 撤单
func (e *LiveExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	svc := e.client.NewCancelOrderService().Symbol(symbol)
	if id, err := strconv.ParseInt(exchangeOrderID, 10, 64); err == nil {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(exchangeOrderID)
	}
	if _, err := svc.Do(ctx); err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return errors.Wrapf(ErrOrderNotFound, "撤单 %s", exchangeOrderID)
		}
		return errors.Wrapf(err, "撤单失败 %s", exchangeOrderID)
	}
	return nil
}

// GetTicker 获取最新价格
func (e *LiveExchange) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "获取 %s 价格失败", symbol)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return &Ticker{Symbol: symbol, Price: parseFloat(p.Price)}, nil
		}
	}
	return nil, errors.Errorf("未找到 %s 的价格", symbol)
}

// GetOpenOrders 获取当前挂单
func (e *LiveExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "获取 %s 挂单失败", symbol)
	}
	out := make([]OpenOrder, 0, len(orders))
	for _, o := range orders {
		price := parseFloat(o.Price)
		if o.Type == futures.OrderTypeStopMarket {
			price = parseFloat(o.StopPrice)
		}
		out = append(out, OpenOrder{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          models.Side(o.Side),
			Type:          mapOrderType(o.Type),
			Price:         price,
			Size:          parseFloat(o.OrigQuantity),
		})
	}
	return out, nil
}

// StartListenKey 创建用户数据流 listenKey
func (e *LiveExchange) StartListenKey(ctx context.Context) (string, error) {
	if err := e.wait(ctx); err != nil {
		return "", err
	}
	key, err := e.client.NewStartUserStreamService().Do(ctx)
	return key, errors.Wrap(err, "创建 listenKey 失败")
}

// KeepaliveListenKey 延长 listenKey 的有效期
func (e *LiveExchange) KeepaliveListenKey(ctx context.Context, listenKey string) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	return errors.Wrap(e.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx), "保持 listenKey 存活失败")
}

func mapOrderType(t futures.OrderType) models.OrderType {
	switch t {
	case futures.OrderTypeLimit:
		return models.Limit
	case futures.OrderTypeMarket:
		return models.Market
	default:
		return models.Stop
	}
}

// mapOrderStatus 将币安订单状态映射为网格订单状态
func mapOrderStatus(s string) models.OrderStatus {
	switch s {
	case "FILLED":
		return models.OrderFilled
	case "CANCELED", "EXPIRED", "REJECTED", "EXPIRED_IN_MATCH":
		return models.OrderCanceled
	default:
		return models.OrderActive
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
