package gateway

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rattlesnake/gateway/pkg/cache"
	"github.com/rattlesnake/gateway/pkg/id"
	"github.com/rattlesnake/gateway/pkg/logger"
	"github.com/rattlesnake/gateway/pkg/proto"
	"github.com/rattlesnake/gateway/pkg/response"
	"github.com/rattlesnake/gateway/pkg/telemetry"
	"github.com/rattlesnake/gateway/pkg/triage"
)

// Scanner runs the detection engine over a decoded payload. Failed scans
// still return usable (empty) findings along with the error.
type Scanner interface {
	Scan(ctx context.Context, data []byte) (proto.CategorizedFindings, error)
}

// neverScanned lists the scan errors where the payload didn't reach an
// engine. Their empty findings say nothing about the payload.
var neverScanned = map[response.ErrorCode]bool{
	response.QueueTimeoutExceeded: true,
	response.ScannerClosed:        true,
}

// cacheable reports whether the result of a scan that returned err can be
// reused for the same payload
func cacheable(err error) bool {
	var triageErr *response.TriageError
	if errors.As(err, &triageErr) {
		return !neverScanned[triageErr.Code]
	}

	return true
}

// Gateway is the state shared by every connection: the scan cache and the
// scanner that fills it
type Gateway struct {
	cache     *cache.ScanCache
	scanner   Scanner
	telemetry *telemetry.Instruments
}

// New returns a Gateway that owns the provided cache
func New(scanCache *cache.ScanCache, scanner Scanner, tel *telemetry.Instruments) *Gateway {
	if scanCache == nil {
		scanCache = cache.New()
	}

	return &Gateway{
		cache:     scanCache,
		scanner:   scanner,
		telemetry: tel,
	}
}

// Handle triages one request. It always returns a response: decode failures
// and scan failures turn into low or zero scores instead of errors.
func (g *Gateway) Handle(ctx context.Context, request *proto.Request) *proto.Response {
	hash := id.ContentHash(request.Data)

	ctx, span := g.telemetry.Start(ctx, "gateway.handle", attribute.String("gateway.hash", hash))
	defer span.End()

	if cached, ok := g.cache.Get(hash); ok {
		g.telemetry.CacheLookup(ctx, true)
		span.SetAttributes(attribute.Bool("gateway.cache_hit", true))
		logger.Debug("cache hit: hash=%q", hash)
		return cached
	}

	g.telemetry.CacheLookup(ctx, false)
	span.SetAttributes(attribute.Bool("gateway.cache_hit", false))

	data, err := decodePayload(request.Data)
	if err != nil {
		g.telemetry.DecodeFailure(ctx)
		logger.Error("could not decode payload: hash=%q error=%q", hash, err.Error())

		// Not cached so a corrected resend gets a real scan
		return &proto.Response{
			Results:  proto.CategorizedFindings{},
			Hash:     hash,
			Verdict:  proto.Undetected,
			Severity: proto.SeverityNone,
			Score:    0,
		}
	}

	logger.Info("processing new file: hash=%q bytes=%d", hash, len(data))

	results, err := g.scanner.Scan(ctx, data)
	if err != nil {
		logger.Error("scan failed, continuing with empty findings: hash=%q error=%q", hash, err.Error())
	}

	filtered := triage.Filter(results)
	classification := triage.Classify(filtered)

	resp := &proto.Response{
		Results:  filtered,
		Hash:     hash,
		Verdict:  classification.Verdict,
		Severity: classification.Severity,
		Score:    classification.Score,
	}

	if cacheable(err) {
		g.cache.Put(hash, resp)
	} else {
		logger.Warning("payload was never scanned, not caching: hash=%q", hash)
	}

	logger.Info(
		"triage complete: hash=%q verdict=%q severity=%q score=%d findings=%d",
		hash, resp.Verdict, resp.Severity, resp.Score, filtered.Count(),
	)

	return resp
}
