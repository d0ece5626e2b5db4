/*
Package mongo provides a MongoDB-backed Store.

PURPOSE:
  The closest match to a document/path record store: one document per
  employee with an embedded balances object, one document per ledger
  entry with a server-assigned ObjectID.

INTERFACES IMPLEMENTED:
  generic.Store, generic.EntryQuerier

  Not a TxStore: multi-document transactions need a replica set, so the
  ledger's two writes are independent here. A failed entry insert
  surfaces as *generic.PartialWriteError and a failed delete after a
  reversal credit as *generic.PartialReversalError.

CONCURRENCY:
  WriteBalances matches on {_id, version} and increments version in the
  same FindOneAndUpdate, so a stale writer matches nothing.

ORDERING:
  Entries sort by _id (ObjectIDs increase within a process); employees
  sort by an ObjectID assigned on insert.

SUBSCRIPTIONS:
  The entry feed publishes after writes made through this Store value
  only. Writes from another server process sharing the database reach a
  subscriber on the next local write, not when they commit. Run a single
  server instance per database when the feed must be live.
*/
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/fieldtrack/leave-ledger/generic"
)

type employeeDoc struct {
	ID        string           `bson:"_id"`
	Seq       bson.ObjectID    `bson:"seq"`
	Name      string           `bson:"name"`
	Role      string           `bson:"role"`
	Balances  generic.Balances `bson:"balances"`
	Version   int64            `bson:"version"`
	CreatedAt time.Time        `bson:"created_at"`
}

func (d employeeDoc) toEmployee() generic.Employee {
	balances := d.Balances
	if balances == nil {
		balances = generic.Balances{}
	}
	return generic.Employee{
		ID:        generic.EmployeeID(d.ID),
		Name:      d.Name,
		Role:      generic.Role(d.Role),
		Balances:  balances,
		Version:   d.Version,
		CreatedAt: d.CreatedAt.UTC(),
	}
}

type entryDoc struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	UserID    string        `bson:"user_id"`
	UserName  string        `bson:"user_name"`
	Date      string        `bson:"date"` // YYYY-MM-DD
	Days      int           `bson:"days"`
	Type      string        `bson:"type"`
	CreatedAt time.Time     `bson:"created_at"`
}

func (d entryDoc) toEntry() (generic.Entry, error) {
	date, err := generic.ParseDate(d.Date)
	if err != nil {
		return generic.Entry{}, fmt.Errorf("entry %s: %w", d.ID.Hex(), err)
	}
	return generic.Entry{
		ID:        generic.EntryID(d.ID.Hex()),
		UserID:    generic.EmployeeID(d.UserID),
		UserName:  d.UserName,
		Date:      date,
		Days:      d.Days,
		Type:      generic.GetOrCreateResource(d.Type),
		CreatedAt: d.CreatedAt.UTC(),
	}, nil
}

type Store struct {
	client    *mongo.Client
	employees *mongo.Collection
	entries   *mongo.Collection
	hub       *generic.Hub[[]generic.Entry]
	now       func() time.Time
}

// Connect dials uri, pings the primary and ensures indexes on database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:    client,
		employees: db.Collection("employees"),
		entries:   db.Collection("leave_entries"),
		now:       time.Now,
	}
	s.hub = generic.NewHub(s.ListEntries)

	if _, err := s.entries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "type", Value: 1}, {Key: "date", Value: 1}}},
	}); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("create entry indexes: %w", err)
	}
	if _, err := s.employees.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "seq", Value: 1}},
	}); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("create employee indexes: %w", err)
	}

	slog.Info("connected to mongodb", "database", database)
	return s, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func (s *Store) CreateEmployee(ctx context.Context, emp generic.Employee) (generic.Employee, error) {
	if emp.ID == "" {
		emp.ID = generic.EmployeeID(uuid.NewString())
	}
	if emp.CreatedAt.IsZero() {
		emp.CreatedAt = s.now().UTC()
	}
	// BSON datetimes keep milliseconds
	emp.CreatedAt = emp.CreatedAt.Truncate(time.Millisecond)
	emp.Balances = emp.Balances.Clone()
	emp.Version = 1

	_, err := s.employees.InsertOne(ctx, employeeDoc{
		ID:        string(emp.ID),
		Seq:       bson.NewObjectID(),
		Name:      emp.Name,
		Role:      string(emp.Role),
		Balances:  emp.Balances,
		Version:   emp.Version,
		CreatedAt: emp.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return generic.Employee{}, &generic.InvalidInputError{Field: "id", Reason: "employee " + string(emp.ID) + " already exists"}
	}
	if err != nil {
		return generic.Employee{}, fmt.Errorf("insert employee: %w", err)
	}
	return emp, nil
}

func (s *Store) GetEmployee(ctx context.Context, id generic.EmployeeID) (*generic.Employee, error) {
	var doc employeeDoc
	err := s.employees.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find employee: %w", err)
	}
	emp := doc.toEmployee()
	return &emp, nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]generic.Employee, error) {
	cursor, err := s.employees.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find employees: %w", err)
	}
	var docs []employeeDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode employees: %w", err)
	}
	employees := make([]generic.Employee, 0, len(docs))
	for _, d := range docs {
		employees = append(employees, d.toEmployee())
	}
	return employees, nil
}

func (s *Store) WriteBalances(ctx context.Context, id generic.EmployeeID, balances generic.Balances, expectedVersion int64) (int64, error) {
	filter := bson.M{"_id": string(id)}
	if expectedVersion != generic.AnyVersion {
		filter["version"] = expectedVersion
	}
	update := bson.M{
		"$set": bson.M{"balances": balances.Clone()},
		"$inc": bson.M{"version": 1},
	}

	var doc employeeDoc
	err := s.employees.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err == nil {
		return doc.Version, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("update balances: %w", err)
	}

	n, err := s.employees.CountDocuments(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return 0, fmt.Errorf("count employees: %w", err)
	}
	if n == 0 {
		return 0, generic.ErrEntityNotFound
	}
	return 0, generic.ErrConcurrentModification
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func (s *Store) CreateEntry(ctx context.Context, entry generic.Entry) (generic.Entry, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	entry.CreatedAt = entry.CreatedAt.Truncate(time.Millisecond)

	res, err := s.entries.InsertOne(ctx, entryDoc{
		UserID:    string(entry.UserID),
		UserName:  entry.UserName,
		Date:      entry.Date.String(),
		Days:      entry.Days,
		Type:      entry.TypeID(),
		CreatedAt: entry.CreatedAt,
	})
	if err != nil {
		return generic.Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	entry.ID = generic.EntryID(res.InsertedID.(bson.ObjectID).Hex())

	s.hub.Publish(ctx)
	return entry, nil
}

func (s *Store) GetEntry(ctx context.Context, id generic.EntryID) (*generic.Entry, error) {
	oid, err := bson.ObjectIDFromHex(string(id))
	if err != nil {
		return nil, nil // not an id this store could have issued
	}
	var doc entryDoc
	err = s.entries.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find entry: %w", err)
	}
	entry, err := doc.toEntry()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) DeleteEntry(ctx context.Context, id generic.EntryID) error {
	oid, err := bson.ObjectIDFromHex(string(id))
	if err != nil {
		return generic.ErrEntryNotFound
	}
	res, err := s.entries.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if res.DeletedCount == 0 {
		return generic.ErrEntryNotFound
	}
	s.hub.Publish(ctx)
	return nil
}

func (s *Store) ListEntries(ctx context.Context) ([]generic.Entry, error) {
	return s.findEntries(ctx, bson.M{})
}

// QueryEntries compares YYYY-MM-DD strings, which sort like the dates they hold.
func (s *Store) QueryEntries(ctx context.Context, filter generic.EntryFilter) ([]generic.Entry, error) {
	return s.findEntries(ctx, bson.M{
		"user_id": string(filter.UserID),
		"type":    filter.TypeID,
		"date": bson.M{
			"$gte": filter.From.UTC().Format(generic.DateLayout),
			"$lte": filter.To.UTC().Format(generic.DateLayout),
		},
	})
}

func (s *Store) findEntries(ctx context.Context, filter bson.M) ([]generic.Entry, error) {
	cursor, err := s.entries.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find entries: %w", err)
	}
	var docs []entryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	entries := make([]generic.Entry, 0, len(docs))
	for _, d := range docs {
		e, err := d.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SubscribeEntries follows local writes only; see the package comment.
func (s *Store) SubscribeEntries(ctx context.Context, fn func([]generic.Entry)) (func(), error) {
	return s.hub.Subscribe(ctx, fn)
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.entries.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("reset entries: %w", err)
	}
	if _, err := s.employees.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("reset employees: %w", err)
	}
	s.hub.Publish(ctx)
	return nil
}
