package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hiapp/hicall/internal/logging"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DocumentRow struct {
	Collection string         `gorm:"primaryKey;size:64"`
	ID         string         `gorm:"primaryKey;size:128"`
	Fields     datatypes.JSON `gorm:"type:jsonb;not null"`
	Version    int64          `gorm:"not null;default:1"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

func (DocumentRow) TableName() string {
	return "signaling_documents"
}

type ListItemRow struct {
	Seq        int64          `gorm:"primaryKey;autoIncrement"`
	Collection string         `gorm:"size:64;not null;index:idx_signaling_list,priority:1"`
	DocumentID string         `gorm:"size:128;not null;index:idx_signaling_list,priority:2"`
	List       string         `gorm:"column:list_name;size:64;not null;index:idx_signaling_list,priority:3"`
	ItemID     string         `gorm:"size:36;not null;uniqueIndex"`
	Data       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time      `gorm:"not null"`
}

func (ListItemRow) TableName() string {
	return "signaling_list_items"
}

// Postgres keeps documents as jsonb rows merged with the || operator, so
// concurrent writers of different fields never clobber each other. Watches
// poll: documents by version, lists by sequence number.
type Postgres struct {
	DBConn       *gorm.DB
	pollInterval time.Duration
}

func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{
		DBConn:       db,
		pollInterval: pollInterval(),
	}
}

func pgError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	default:
		return unavailable(err)
	}
}

func (p *Postgres) Write(ctx context.Context, key Key, fields map[string]any) error {
	update, err := encodeFields(fields)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(update)
	if err != nil {
		return err
	}

	row := DocumentRow{
		Collection: key.Collection,
		ID:         key.ID,
		Fields:     datatypes.JSON(raw),
		Version:    1,
		UpdatedAt:  time.Now(),
	}

	err = p.DBConn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"fields":     gorm.Expr("signaling_documents.fields || EXCLUDED.fields"),
			"version":    gorm.Expr("signaling_documents.version + 1"),
			"updated_at": gorm.Expr("EXCLUDED.updated_at"),
		}),
	}).Create(&row).Error

	return pgError(err)
}

func (p *Postgres) Read(ctx context.Context, key Key) (Document, error) {
	row, err := p.readRow(ctx, key)
	if err != nil {
		return nil, err
	}

	return rowDocument(row)
}

func (p *Postgres) readRow(ctx context.Context, key Key) (*DocumentRow, error) {
	var row DocumentRow

	err := p.DBConn.WithContext(ctx).
		Where("collection = ? AND id = ?", key.Collection, key.ID).
		Take(&row).Error
	if err != nil {
		return nil, pgError(err)
	}

	return &row, nil
}

func rowDocument(row *DocumentRow) (Document, error) {
	var doc Document

	err := json.Unmarshal(row.Fields, &doc)
	if err != nil {
		return nil, err
	}

	return doc, nil
}

func (p *Postgres) Watch(ctx context.Context, key Key, fn WatchFunc) (CancelFunc, error) {
	initial, err := p.readRow(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)

	go func() {
		var version int64

		deliver := func(row *DocumentRow) {
			if row == nil || row.Version == version {
				return
			}

			doc, err := rowDocument(row)
			if err != nil {
				logging.Logger.Warn("[Watch] malformed document row",
					zap.String("key", key.String()),
					zap.String("error", err.Error()),
				)

				return
			}

			version = row.Version

			fn(doc)
		}

		deliver(initial)

		p.poll(watchCtx, func() {
			row, err := p.readRow(watchCtx, key)
			if err != nil {
				if !errors.Is(err, ErrNotFound) && watchCtx.Err() == nil {
					logging.Logger.Warn("[Watch] failed to poll document",
						zap.String("key", key.String()),
						zap.String("error", err.Error()),
					)
				}

				return
			}

			deliver(row)
		})
	}()

	return CancelFunc(cancel), nil
}

func (p *Postgres) Append(ctx context.Context, key Key, list string, data any) (Item, error) {
	raw, err := encodeValue(data)
	if err != nil {
		return Item{}, err
	}

	row := ListItemRow{
		Collection: key.Collection,
		DocumentID: key.ID,
		List:       list,
		ItemID:     uuid.NewString(),
		Data:       datatypes.JSON(raw),
		CreatedAt:  time.Now(),
	}

	// Appends to one list are serialized so that seq order matches commit
	// order for its pollers.
	err = p.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key.String()+"/"+list).Error
		if err != nil {
			return err
		}

		return tx.Create(&row).Error
	})
	if err != nil {
		return Item{}, pgError(err)
	}

	return Item{ID: row.ItemID, Data: raw}, nil
}

func (p *Postgres) WatchList(ctx context.Context, key Key, list string, fn ItemFunc) (CancelFunc, error) {
	watchCtx, cancel := context.WithCancel(ctx)

	go func() {
		cursor := newListCursor(listLookback)

		fetch := func() {
			var rows []ListItemRow

			err := p.DBConn.WithContext(watchCtx).
				Where("collection = ? AND document_id = ? AND list_name = ? AND seq > ?", key.Collection, key.ID, list, cursor.from()).
				Order("seq ASC").
				Find(&rows).Error
			if err != nil {
				if watchCtx.Err() == nil {
					logging.Logger.Warn("[WatchList] failed to poll list",
						zap.String("key", key.String()),
						zap.String("list", list),
						zap.String("error", err.Error()),
					)
				}

				return
			}

			for _, row := range rows {
				if !cursor.admit(row.Seq) {
					continue
				}

				if watchCtx.Err() != nil {
					return
				}

				fn(Item{ID: row.ItemID, Data: json.RawMessage(row.Data)})
			}

			cursor.prune()
		}

		fetch()
		p.poll(watchCtx, fetch)
	}()

	return CancelFunc(cancel), nil
}

// listLookback is how many sequence numbers behind the newest delivered
// item a poll re-reads. A row whose seq was allocated before a newer one but
// committed after it still falls inside the window.
const listLookback = 256

// listCursor tracks which list rows a poller has delivered.
type listCursor struct {
	lookback int64
	lastSeq  int64
	seen     map[int64]struct{}
}

func newListCursor(lookback int64) *listCursor {
	return &listCursor{lookback: lookback, seen: make(map[int64]struct{})}
}

// from is the exclusive lower bound of the next poll.
func (c *listCursor) from() int64 {
	return max(c.lastSeq-c.lookback, 0)
}

// admit reports whether the row with seq has not been delivered yet and
// marks it delivered.
func (c *listCursor) admit(seq int64) bool {
	if seq <= c.from() {
		return false
	}

	if _, ok := c.seen[seq]; ok {
		return false
	}

	c.seen[seq] = struct{}{}
	c.lastSeq = max(c.lastSeq, seq)

	return true
}

func (c *listCursor) prune() {
	floor := c.from()
	for seq := range c.seen {
		if seq <= floor {
			delete(c.seen, seq)
		}
	}
}

func (p *Postgres) Close() error {
	sqlDB, err := p.DBConn.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func (p *Postgres) poll(ctx context.Context, tick func()) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
