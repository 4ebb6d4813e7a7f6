package devicestorage

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	FirestoreCollection = "deviceProfiles"
)

type profileDocument struct {
	Registry  []byte    `firestore:"registry"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// FirestoreBlob keeps a profile's registry in one Firestore document, so a
// participant can carry their sessions between devices sharing a profile id.
type FirestoreBlob struct {
	c          *firestore.Client
	collection string
	profile    string
}

func NewFirestoreBlob(c *firestore.Client, profile string) *FirestoreBlob {
	return &FirestoreBlob{
		c:          c,
		collection: FirestoreCollection,
		profile:    profile,
	}
}

func (b *FirestoreBlob) ReadAll(ctx context.Context) ([]byte, error) {
	ds, err := b.c.Collection(b.collection).Doc(b.profile).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get profile document %s", b.profile)
	}
	if !ds.Exists() {
		return nil, nil
	}
	var doc profileDocument
	if err := ds.DataTo(&doc); err != nil {
		return nil, errors.Wrapf(err, "failed to decode profile document %s", b.profile)
	}
	return doc.Registry, nil
}

func (b *FirestoreBlob) WriteAll(ctx context.Context, data []byte) error {
	doc := &profileDocument{Registry: data, UpdatedAt: time.Now().UTC()}
	if _, err := b.c.Collection(b.collection).Doc(b.profile).Set(ctx, doc); err != nil {
		return errors.Wrapf(err, "failed to set profile document %s", b.profile)
	}
	return nil
}
