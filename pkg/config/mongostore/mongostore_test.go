package mongostore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/remexec/pkg/models"
	"github.com/andrej220/remexec/pkg/registry"
)

// fakeCollection serves one canned document and records writes.
type fakeCollection struct {
	doc     any
	findErr error

	filter      any
	replacement any
	upsert      *bool
	replaceErr  error

	watchErr error
}

func (f *fakeCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) *mongo.SingleResult {
	f.filter = filter
	doc := f.doc
	if doc == nil {
		doc = bson.D{}
	}
	return mongo.NewSingleResultFromDocument(doc, f.findErr, nil)
}

func (f *fakeCollection) ReplaceOne(_ context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	f.filter, f.replacement = filter, replacement
	for _, o := range opts {
		if o != nil && o.Upsert != nil {
			f.upsert = o.Upsert
		}
	}
	if f.replaceErr != nil {
		return nil, f.replaceErr
	}
	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (f *fakeCollection) Watch(context.Context, any, ...*options.ChangeStreamOptions) (*mongo.ChangeStream, error) {
	return nil, f.watchErr
}

func hostsDocument() bson.D {
	return bson.D{
		{Key: "_id", Value: "default"},
		{Key: "hosts", Value: bson.A{
			bson.D{
				{Key: "alias", Value: "staging"},
				{Key: "host", Value: "10.0.0.5"},
				{Key: "user", Value: "deploy"},
				{Key: "auth", Value: bson.D{{Key: "type", Value: "agent"}}},
			},
			bson.D{
				{Key: "alias", Value: "db"},
				{Key: "host", Value: "db.internal"},
				{Key: "port", Value: 2222},
				{Key: "user", Value: "ops"},
				{Key: "strictHostKeyChecking", Value: true},
				{Key: "auth", Value: bson.D{
					{Key: "type", Value: "key"},
					{Key: "keyPath", Value: "/keys/ops"},
					{Key: "passphrase", Value: true},
				}},
				{Key: "connection", Value: bson.D{{Key: "keepAlive", Value: "30s"}}},
			},
		}},
	}
}

func TestLoadDecodesHostsDocument(t *testing.T) {
	coll := &fakeCollection{doc: hostsDocument()}
	store := newWithCollection(coll, "default")

	var doc registry.Document
	require.NoError(t, store.Load(context.Background(), &doc))
	assert.Equal(t, bson.M{"_id": "default"}, coll.filter)

	hosts, err := doc.Models()
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "staging", hosts[0].Alias)
	assert.Equal(t, models.DefaultPort, hosts[0].Port)
	assert.Equal(t, models.AgentAuth{}, hosts[0].Auth)
	assert.Equal(t, 2222, hosts[1].Port)
	assert.True(t, hosts[1].StrictHostKey)
	assert.Equal(t, models.KeyFileAuth{Path: "/keys/ops", Passphrase: true}, hosts[1].Auth)
	assert.Equal(t, "30s", hosts[1].Tuning.KeepAlive.String())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		findErr error
		out     any
		want    string
	}{
		{"not found", mongo.ErrNoDocuments, &registry.Document{}, `document with ID "default" not found`},
		{"driver failure", errors.New("socket closed"), &registry.Document{}, "MongoDB FindOne failed: socket closed"},
		{"nil output", nil, nil, "output parameter must not be nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newWithCollection(&fakeCollection{doc: hostsDocument(), findErr: tt.findErr}, "default")
			err := store.Load(context.Background(), tt.out)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestSaveUpsertsDocument(t *testing.T) {
	coll := &fakeCollection{}
	store := newWithCollection(coll, "default")
	in := registry.Document{Hosts: []registry.HostSpec{{
		Alias: "staging",
		Host:  "10.0.0.5",
		User:  "deploy",
		Auth:  registry.AuthSpec{Type: "command", Command: "pass show ssh/staging"},
	}}}

	require.NoError(t, store.Save(context.Background(), in))
	assert.Equal(t, bson.M{"_id": "default"}, coll.filter)
	require.NotNil(t, coll.upsert)
	assert.True(t, *coll.upsert)

	raw, err := bson.Marshal(coll.replacement)
	require.NoError(t, err)
	var back registry.Document
	require.NoError(t, bson.Unmarshal(raw, &back))
	assert.Equal(t, in, back)
}

func TestSaveErrors(t *testing.T) {
	store := newWithCollection(&fakeCollection{replaceErr: errors.New("not primary")}, "default")
	assert.ErrorContains(t, store.Save(context.Background(), nil), "must not be nil")
	assert.ErrorContains(t, store.Save(context.Background(), registry.Document{}), "not primary")
}

func TestWatchErrors(t *testing.T) {
	store := newWithCollection(&fakeCollection{watchErr: errors.New("standalone server")}, "default")
	assert.ErrorContains(t, store.Watch(context.Background(), nil), "callback cannot be nil")
	assert.ErrorContains(t, store.Watch(context.Background(), func() {}), "standalone server")
}

func TestCloseWithoutClient(t *testing.T) {
	store := newWithCollection(&fakeCollection{}, "default")
	assert.NoError(t, store.Close(context.Background()))
}
