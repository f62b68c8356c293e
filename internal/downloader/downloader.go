package downloader

import (
	"adaptive-grid-go/internal/models"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// 币安单次请求最多返回1000条K线
const pageLimit = 1000

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于从币安合约接口下载K线数据
type KlineDownloader struct {
	client *futures.Client
	pause  time.Duration
	logger *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例. baseURL 为空时使用币安默认地址.
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := futures.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &KlineDownloader{
		client: client,
		pause:  200 * time.Millisecond,
		logger: logger.Named("downloader"),
	}
}

// DownloadKlines 下载指定交易对和时间范围内的K线数据, 并保存到CSV文件.
// 如果文件已存在, 则跳过下载直接使用缓存.
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("file", filePath))
		return nil
	}

	d.logger.Info("开始下载K线数据",
		zap.String("pair", symbol),
		zap.String("interval", interval),
		zap.Time("start", startTime),
		zap.Time("end", endTime))

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return errors.Wrapf(err, "无法创建目录 %s", filepath.Dir(filePath))
	}

	// 先写入临时文件, 下载完整后再改名, 避免中断后留下被当作缓存的残缺文件
	tmpPath := filePath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "无法创建文件 %s", tmpPath)
	}

	rows, err := d.writeKlines(ctx, file, symbol, interval, startTime, endTime)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrap(err, "保存K线文件失败")
	}

	d.logger.Info("成功下载K线数据", zap.String("file", filePath), zap.Int("rows", rows))
	return nil
}

func (d *KlineDownloader) writeKlines(ctx context.Context, w io.Writer, symbol, interval string, startTime, endTime time.Time) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return 0, errors.Wrap(err, "写入CSV表头失败")
	}

	rows := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(pageLimit).
			Do(ctx)
		if err != nil {
			return rows, errors.Wrap(err, "下载K线数据失败")
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return rows, errors.Wrap(err, "写入CSV记录失败")
			}
			rows++
		}

		// 下一次请求从最后一根K线收盘之后开始
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载数据", zap.Time("until", t), zap.Int("rows", rows))

		select {
		case <-ctx.Done():
			return rows, ctx.Err()
		case <-time.After(d.pause):
		}
	}

	writer.Flush()
	return rows, errors.Wrap(writer.Error(), "写入CSV失败")
}

// ReadCandles 读取 DownloadKlines 生成的CSV文件. 无法解析的行会被跳过.
func ReadCandles(path string) ([]models.Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "无法打开历史数据文件 %s", path)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "无法读取CSV记录")
	}
	if len(records) <= 1 { // 至少需要表头和一行数据
		return nil, errors.Errorf("历史数据文件 %s 为空或只有表头", path)
	}

	candles := make([]models.Candle, 0, len(records)-1)
	for _, record := range records[1:] {
		c, ok := parseRecord(record)
		if !ok {
			continue
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		return nil, errors.Errorf("历史数据文件 %s 中没有有效的K线", path)
	}
	return candles, nil
}

func parseRecord(record []string) (models.Candle, bool) {
	if len(record) < 6 {
		return models.Candle{}, false
	}
	openTime, errT := strconv.ParseInt(record[0], 10, 64)
	open, errO := strconv.ParseFloat(record[1], 64)
	high, errH := strconv.ParseFloat(record[2], 64)
	low, errL := strconv.ParseFloat(record[3], 64)
	closePrice, errC := strconv.ParseFloat(record[4], 64)
	volume, errV := strconv.ParseFloat(record[5], 64)
	if errT != nil || errO != nil || errH != nil || errL != nil || errC != nil || errV != nil {
		return models.Candle{}, false
	}
	c := models.Candle{OpenTime: openTime, Open: open, High: high, Low: low, Close: closePrice, Volume: volume}
	if len(record) > 6 {
		c.CloseTime, _ = strconv.ParseInt(record[6], 10, 64)
	}
	return c, true
}
