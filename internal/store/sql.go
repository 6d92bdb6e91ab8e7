package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/model"
)

// errNoRows is returned by rowScanner implementations in place of the
// driver-specific no-rows error.
var errNoRows = errors.New("store: no rows")

type rowScanner interface {
	Scan(dest ...any) error
}

type rowIter interface {
	rowScanner
	Next() bool
	Err() error
	Close()
}

// conn is a pool, database or transaction of either SQL backend.
type conn interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) rowScanner
	query(ctx context.Context, query string, args ...any) (rowIter, error)
}

type txRunner func(ctx context.Context, fn func(c conn) error) error

// sqlStore implements the record operations of Store for both SQL backends.
// Queries are built with squirrel and rendered in the backend's placeholder
// format.
type sqlStore struct {
	name string
	conn conn
	inTx txRunner
	sb   sq.StatementBuilderType
	now  func() time.Time
}

func newSQLStore(name string, c conn, inTx txRunner, ph sq.PlaceholderFormat) *sqlStore {
	return &sqlStore{
		name: name,
		conn: c,
		inTx: inTx,
		sb:   sq.StatementBuilder.PlaceholderFormat(ph),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

var (
	productColumns = []string{
		"id", "name", "model", "brand", "category", "year", "dimensions", "key_features",
		"amazon_price", "ebay_price", "msrp", "competitive_price",
		"status", "current_stage", "ai_confidence", "pipeline_running", "error_message",
		"created_at", "updated_at",
	}
	imageColumns = []string{
		"id", "product_id", "url", "filename", "content_type", "size_bytes", "is_primary", "created_at",
	}
	phaseColumns = []string{
		"product_id", "stage", "status", "can_start", "progress",
		"started_at", "completed_at", "stopped_at", "error_message",
		"retry_count", "duration_ms", "updated_at",
	}
	logColumns = []string{
		"id", "product_id", "stage", "level", "message", "action", "details", "created_at",
	}
)

func (s *sqlStore) exec(ctx context.Context, c conn, b sq.Sqlizer, what string) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, eris.Wrapf(err, "%s: build %s", s.name, what)
	}
	n, err := c.exec(ctx, query, args...)
	if err != nil {
		return 0, apperr.Store(err, "%s: %s", s.name, what)
	}
	return n, nil
}

func (s *sqlStore) queryRow(ctx context.Context, c conn, b sq.Sqlizer, what string) (rowScanner, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrapf(err, "%s: build %s", s.name, what)
	}
	return c.queryRow(ctx, query, args...), nil
}

func (s *sqlStore) query(ctx context.Context, c conn, b sq.Sqlizer, what string) (rowIter, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrapf(err, "%s: build %s", s.name, what)
	}
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store(err, "%s: %s", s.name, what)
	}
	return rows, nil
}

// Products

func (s *sqlStore) CreateProduct(ctx context.Context, p *model.Product, images []model.Image) error {
	if p == nil {
		return apperr.Validation("product is required")
	}
	now := s.now()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = model.ProductStatusUploaded
	}
	if p.CurrentStage == 0 {
		p.CurrentStage = model.FirstStage
	}
	p.CreatedAt, p.UpdatedAt = now, now

	features, err := marshalJSON(p.KeyFeatures)
	if err != nil {
		return eris.Wrapf(err, "%s: marshal key features", s.name)
	}

	return s.inTx(ctx, func(c conn) error {
		ins := s.sb.Insert("products").Columns(productColumns...).Values(
			p.ID, p.Name, p.Model, p.Brand, p.Category, p.Year, p.Dimensions, features,
			nullFloat(p.AmazonPrice), nullFloat(p.EbayPrice), nullFloat(p.MSRP), nullFloat(p.CompetitivePrice),
			string(p.Status), int(p.CurrentStage), nullFloat(p.AIConfidence), p.PipelineRunning, p.ErrorMessage,
			now, now,
		)
		if _, err := s.exec(ctx, c, ins, "insert product"); err != nil {
			return err
		}

		phases := s.sb.Insert("pipeline_phases").Columns(
			"product_id", "stage", "status", "can_start", "progress",
			"error_message", "retry_count", "duration_ms", "updated_at",
		)
		for _, ph := range model.NewPhases(p.ID, now) {
			phases = phases.Values(ph.ProductID, int(ph.Stage), string(ph.Status), ph.CanStart, 0, "", 0, int64(0), now)
		}
		if _, err := s.exec(ctx, c, phases, "insert phases"); err != nil {
			return err
		}

		return s.insertImages(ctx, c, p.ID, images, now)
	})
}

func (s *sqlStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row, err := s.queryRow(ctx, s.conn,
		s.sb.Select(productColumns...).From("products").Where(sq.Eq{"id": id}),
		"get product")
	if err != nil {
		return nil, err
	}
	p, err := scanProduct(row)
	if errors.Is(err, errNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store(err, "%s: get product %s", s.name, id)
	}
	return p, nil
}

func (s *sqlStore) UpdateProductState(ctx context.Context, id string, state model.ProductState) error {
	b := s.sb.Update("products").Set("updated_at", s.now())
	if state.Status != nil {
		b = b.Set("status", string(*state.Status))
	}
	if state.CurrentStage != nil {
		b = b.Set("current_stage", int(*state.CurrentStage))
	}
	if state.PipelineRunning != nil {
		b = b.Set("pipeline_running", *state.PipelineRunning)
	}
	if state.ErrorMessage != nil {
		b = b.Set("error_message", *state.ErrorMessage)
	}
	n, err := s.exec(ctx, s.conn, b.Where(sq.Eq{"id": id}), "update product state")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("product %s not found", id)
	}
	return nil
}

func (s *sqlStore) UpdateProductDetails(ctx context.Context, id string, d model.ProductDetails) error {
	b := s.sb.Update("products").Set("updated_at", s.now())
	for _, f := range []struct {
		col string
		v   *string
	}{
		{"name", d.Name}, {"model", d.Model}, {"brand", d.Brand}, {"category", d.Category},
		{"year", d.Year}, {"dimensions", d.Dimensions},
	} {
		if f.v != nil {
			b = b.Set(f.col, *f.v)
		}
	}
	if d.KeyFeatures != nil {
		features, err := marshalJSON(*d.KeyFeatures)
		if err != nil {
			return eris.Wrapf(err, "%s: marshal key features", s.name)
		}
		b = b.Set("key_features", features)
	}
	for _, f := range []struct {
		col string
		v   *float64
	}{
		{"amazon_price", d.AmazonPrice}, {"ebay_price", d.EbayPrice}, {"msrp", d.MSRP},
		{"competitive_price", d.CompetitivePrice}, {"ai_confidence", d.AIConfidence},
	} {
		if f.v != nil {
			b = b.Set(f.col, *f.v)
		}
	}
	n, err := s.exec(ctx, s.conn, b.Where(sq.Eq{"id": id}), "update product details")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("product %s not found", id)
	}
	return nil
}

func (s *sqlStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	b := s.sb.Select(productColumns...).From("products")
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	b = b.OrderBy("created_at DESC").Limit(uint64(limitOrDefault(filter.Limit)))
	if filter.Offset > 0 {
		b = b.Offset(uint64(filter.Offset))
	}

	rows, err := s.query(ctx, s.conn, b, "list products")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, apperr.Store(err, "%s: scan product", s.name)
		}
		products = append(products, *p)
	}
	return products, eris.Wrapf(rows.Err(), "%s: list products iterate", s.name)
}

func scanProduct(row rowScanner) (*model.Product, error) {
	var p model.Product
	var features []byte
	var status string
	var stage int
	err := row.Scan(
		&p.ID, &p.Name, &p.Model, &p.Brand, &p.Category, &p.Year, &p.Dimensions, &features,
		&p.AmazonPrice, &p.EbayPrice, &p.MSRP, &p.CompetitivePrice,
		&status, &stage, &p.AIConfidence, &p.PipelineRunning, &p.ErrorMessage,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = model.ProductStatus(status)
	p.CurrentStage = model.Stage(stage)
	if err := unmarshalJSON(features, &p.KeyFeatures); err != nil {
		return nil, eris.Wrap(err, "unmarshal key features")
	}
	return &p, nil
}

// Images

func (s *sqlStore) AddImages(ctx context.Context, productID string, images []model.Image) error {
	return s.insertImages(ctx, s.conn, productID, images, s.now())
}

func (s *sqlStore) insertImages(ctx context.Context, c conn, productID string, images []model.Image, now time.Time) error {
	if len(images) == 0 {
		return nil
	}
	b := s.sb.Insert("product_images").Columns(
		"id", "product_id", "url", "filename", "content_type", "size_bytes", "is_primary", "position", "created_at",
	)
	for i := range images {
		img := &images[i]
		if img.ID == "" {
			img.ID = uuid.New().String()
		}
		img.ProductID = productID
		img.CreatedAt = now
		b = b.Values(img.ID, productID, img.URL, img.Filename, img.ContentType, img.SizeBytes, img.IsPrimary, i, now)
	}
	_, err := s.exec(ctx, c, b, "insert images")
	return err
}

func (s *sqlStore) ListImages(ctx context.Context, productID string) ([]model.Image, error) {
	rows, err := s.query(ctx, s.conn,
		s.sb.Select(imageColumns...).From("product_images").
			Where(sq.Eq{"product_id": productID}).
			OrderBy("is_primary DESC", "created_at ASC", "position ASC"),
		"list images")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []model.Image
	for rows.Next() {
		var img model.Image
		if err := rows.Scan(&img.ID, &img.ProductID, &img.URL, &img.Filename, &img.ContentType,
			&img.SizeBytes, &img.IsPrimary, &img.CreatedAt); err != nil {
			return nil, apperr.Store(err, "%s: scan image", s.name)
		}
		images = append(images, img)
	}
	return images, eris.Wrapf(rows.Err(), "%s: list images iterate", s.name)
}

// Phases

func (s *sqlStore) GetPhase(ctx context.Context, productID string, stage model.Stage) (*model.PipelinePhase, error) {
	row, err := s.queryRow(ctx, s.conn,
		s.sb.Select(phaseColumns...).From("pipeline_phases").
			Where(sq.Eq{"product_id": productID, "stage": int(stage)}),
		"get phase")
	if err != nil {
		return nil, err
	}
	ph, err := scanPhase(row)
	if errors.Is(err, errNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store(err, "%s: get phase %s/%d", s.name, productID, stage)
	}
	return ph, nil
}

func (s *sqlStore) ListPhases(ctx context.Context, productID string) ([]model.PipelinePhase, error) {
	rows, err := s.query(ctx, s.conn,
		s.sb.Select(phaseColumns...).From("pipeline_phases").
			Where(sq.Eq{"product_id": productID}).OrderBy("stage ASC"),
		"list phases")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var phases []model.PipelinePhase
	for rows.Next() {
		ph, err := scanPhase(rows)
		if err != nil {
			return nil, apperr.Store(err, "%s: scan phase", s.name)
		}
		phases = append(phases, *ph)
	}
	return phases, eris.Wrapf(rows.Err(), "%s: list phases iterate", s.name)
}

func (s *sqlStore) StartPhase(ctx context.Context, productID string, stage model.Stage, now time.Time) (bool, error) {
	now = now.UTC()
	running := string(model.PhaseStatusRunning)
	b := s.sb.Update("pipeline_phases").
		Set("status", running).
		Set("progress", 0).
		Set("started_at", now).
		Set("error_message", "").
		Set("updated_at", now).
		Where(sq.Eq{"product_id": productID, "stage": int(stage), "status": string(model.PhaseStatusPending)}).
		Where(sq.Or{sq.Eq{"can_start": true}, sq.Eq{"stage": int(model.FirstStage)}}).
		Where("NOT EXISTS (SELECT 1 FROM pipeline_phases p2 WHERE p2.product_id = ? AND p2.status = ?)", productID, running)
	n, err := s.exec(ctx, s.conn, b, "start phase")
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) UpdatePhase(ctx context.Context, productID string, stage model.Stage, u model.PhaseUpdate) (bool, error) {
	b := s.sb.Update("pipeline_phases").Set("updated_at", s.now())
	if u.Status != nil {
		b = b.Set("status", string(*u.Status))
	}
	if u.CanStart != nil {
		b = b.Set("can_start", *u.CanStart)
	}
	if u.Progress != nil {
		b = b.Set("progress", *u.Progress)
	}
	if u.StartedAt != nil {
		b = b.Set("started_at", u.StartedAt.UTC())
	}
	if u.CompletedAt != nil {
		b = b.Set("completed_at", u.CompletedAt.UTC())
	}
	if u.StoppedAt != nil {
		b = b.Set("stopped_at", u.StoppedAt.UTC())
	}
	if u.ErrorMessage != nil {
		b = b.Set("error_message", *u.ErrorMessage)
	} else if u.ClearError {
		b = b.Set("error_message", "")
	}
	if u.IncrementRetry {
		b = b.Set("retry_count", sq.Expr("retry_count + 1"))
	}
	if u.DurationMs != nil {
		b = b.Set("duration_ms", *u.DurationMs)
	}

	b = b.Where(sq.Eq{"product_id": productID, "stage": int(stage)})
	if len(u.From) > 0 {
		from := make([]string, len(u.From))
		for i, f := range u.From {
			from[i] = string(f)
		}
		b = b.Where(sq.Eq{"status": from})
	}

	n, err := s.exec(ctx, s.conn, b, "update phase")
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) ListSchedulable(ctx context.Context, limit int) ([]model.PhaseRef, error) {
	b := s.sb.Select("ph.product_id", "ph.stage").
		From("pipeline_phases ph").
		Join("products p ON p.id = ph.product_id").
		Where(sq.Eq{
			"ph.status":    string(model.PhaseStatusPending),
			"ph.can_start": true,
			"p.status":     string(model.ProductStatusProcessing),
		}).
		Where("NOT EXISTS (SELECT 1 FROM pipeline_phases r WHERE r.product_id = ph.product_id AND r.status = ?)",
			string(model.PhaseStatusRunning)).
		OrderBy("ph.updated_at ASC").
		Limit(uint64(limitOrDefault(limit)))

	rows, err := s.query(ctx, s.conn, b, "list schedulable")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []model.PhaseRef
	for rows.Next() {
		var ref model.PhaseRef
		var stage int
		if err := rows.Scan(&ref.ProductID, &stage); err != nil {
			return nil, apperr.Store(err, "%s: scan schedulable", s.name)
		}
		ref.Stage = model.Stage(stage)
		refs = append(refs, ref)
	}
	return refs, eris.Wrapf(rows.Err(), "%s: list schedulable iterate", s.name)
}

func scanPhase(row rowScanner) (*model.PipelinePhase, error) {
	var ph model.PipelinePhase
	var stage int
	var status string
	err := row.Scan(
		&ph.ProductID, &stage, &status, &ph.CanStart, &ph.Progress,
		&ph.StartedAt, &ph.CompletedAt, &ph.StoppedAt, &ph.ErrorMessage,
		&ph.RetryCount, &ph.DurationMs, &ph.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ph.Stage = model.Stage(stage)
	ph.Status = model.PhaseStatus(status)
	return &ph, nil
}

// Logs

func (s *sqlStore) AppendLog(ctx context.Context, entry model.PipelineLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	var details any
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return eris.Wrapf(err, "%s: marshal log details", s.name)
		}
		details = string(b)
	}
	_, err := s.exec(ctx, s.conn,
		s.sb.Insert("pipeline_logs").Columns(logColumns...).Values(
			entry.ID, entry.ProductID, int(entry.Stage), string(entry.Level),
			entry.Message, entry.Action, details, entry.CreatedAt.UTC(),
		),
		"append log")
	return err
}

func (s *sqlStore) ListLogs(ctx context.Context, productID string, limit int) ([]model.PipelineLog, error) {
	rows, err := s.query(ctx, s.conn,
		s.sb.Select(logColumns...).From("pipeline_logs").
			Where(sq.Eq{"product_id": productID}).
			OrderBy("created_at DESC").
			Limit(uint64(limitOrDefault(limit))),
		"list logs")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.PipelineLog
	for rows.Next() {
		var l model.PipelineLog
		var stage int
		var level string
		var details []byte
		if err := rows.Scan(&l.ID, &l.ProductID, &stage, &level, &l.Message, &l.Action, &details, &l.CreatedAt); err != nil {
			return nil, apperr.Store(err, "%s: scan log", s.name)
		}
		l.Stage = model.Stage(stage)
		l.Level = model.LogLevel(level)
		if err := unmarshalJSON(details, &l.Details); err != nil {
			return nil, eris.Wrapf(err, "%s: unmarshal log details", s.name)
		}
		logs = append(logs, l)
	}
	return logs, eris.Wrapf(rows.Err(), "%s: list logs iterate", s.name)
}

func (s *sqlStore) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.exec(ctx, s.conn,
		s.sb.Delete("pipeline_logs").Where(sq.Lt{"created_at": cutoff.UTC()}),
		"delete logs")
}

// Stage outputs

func (s *sqlStore) UpsertAnalysis(ctx context.Context, facts model.AnalysisFacts) error {
	return s.upsertOutput(ctx, tableAnalysis, facts.ProductID, facts)
}

func (s *sqlStore) GetAnalysis(ctx context.Context, productID string) (*model.AnalysisFacts, error) {
	return getOutput[model.AnalysisFacts](ctx, s, tableAnalysis, productID)
}

func (s *sqlStore) UpsertMarket(ctx context.Context, facts model.MarketFacts) error {
	return s.upsertOutput(ctx, tableMarket, facts.ProductID, facts)
}

func (s *sqlStore) GetMarket(ctx context.Context, productID string) (*model.MarketFacts, error) {
	return getOutput[model.MarketFacts](ctx, s, tableMarket, productID)
}

func (s *sqlStore) UpsertSEO(ctx context.Context, facts model.SEOFacts) error {
	return s.upsertOutput(ctx, tableSEO, facts.ProductID, facts)
}

func (s *sqlStore) GetSEO(ctx context.Context, productID string) (*model.SEOFacts, error) {
	return getOutput[model.SEOFacts](ctx, s, tableSEO, productID)
}

func (s *sqlStore) UpsertListing(ctx context.Context, facts model.ListingFacts) error {
	return s.upsertOutput(ctx, tableListing, facts.ProductID, facts)
}

func (s *sqlStore) GetListing(ctx context.Context, productID string) (*model.ListingFacts, error) {
	return getOutput[model.ListingFacts](ctx, s, tableListing, productID)
}

func (s *sqlStore) upsertOutput(ctx context.Context, table, productID string, v any) error {
	if productID == "" {
		return apperr.Validation("%s: product id is required", table)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "%s: marshal %s", s.name, table)
	}
	now := s.now()
	_, err = s.exec(ctx, s.conn,
		s.sb.Insert(table).
			Columns("product_id", "data", "created_at", "updated_at").
			Values(productID, string(data), now, now).
			Suffix("ON CONFLICT (product_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at"),
		"upsert "+table)
	return err
}

func getOutput[T any](ctx context.Context, s *sqlStore, table, productID string) (*T, error) {
	row, err := s.queryRow(ctx, s.conn,
		s.sb.Select("data").From(table).Where(sq.Eq{"product_id": productID}),
		"get "+table)
	if err != nil {
		return nil, err
	}
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, errNoRows) {
			return nil, nil
		}
		return nil, apperr.Store(err, "%s: get %s %s", s.name, table, productID)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, eris.Wrapf(err, "%s: unmarshal %s", s.name, table)
	}
	return &v, nil
}

// helpers

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalJSON(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
