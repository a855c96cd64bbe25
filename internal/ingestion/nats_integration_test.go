package ingestion_test

import (
	"context"
	"testing"
	"time"

	"SynthLedger/internal/ingestion"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATS_PricesReachStreamFeed(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL())
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, ingestion.EnsureStreams(ctx, js))

	feed := oracle.NewStreamFeed("WETH")
	sub := ingestion.NewNATSSubscriber(js)
	defer sub.Stop()

	prices := make(chan ingestion.RawMessage, 8)
	cfg := ingestion.PriceSubjects
	cfg.ConsumerName = "it-prices-" + time.Now().Format("150405.000000")
	require.NoError(t, sub.Subscribe(ctx, cfg, prices))

	proc := ingestion.NewPriceProcessor(map[string]*oracle.StreamFeed{"WETH": feed}, nil)
	go proc.Run(ctx, prices)

	round := uint64(time.Now().UnixNano())
	data := mustJSON(t, ingestion.PriceUpdate{
		Price:       "2100.5",
		Decimals:    8,
		RoundID:     round,
		TimestampUs: time.Now().UnixMicro(),
	})
	_, err = js.Publish(ctx, ingestion.PriceSubjectPrefix+"WETH", data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := feed.LatestPrice(ctx)
		return err == nil && p.RoundID == round
	}, 10*time.Second, 50*time.Millisecond)

	p, err := feed.LatestPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2100_50000000), p.Answer)
}
