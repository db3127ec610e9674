package killswitch

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// FirestoreStore keeps the state in a single Firestore document.
type FirestoreStore struct {
	client *firestore.Client
	doc    *firestore.DocumentRef
}

type firestoreState struct {
	Active      bool       `firestore:"active"`
	ActivatedAt *time.Time `firestore:"activated_at"`
	Reason      string     `firestore:"reason"`
	UpdatedBy   string     `firestore:"updated_by"`
	UpdatedAt   time.Time  `firestore:"updated_at"`
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client, doc: client.Collection("governor").Doc("kill_switch")}
}

func decodeSnapshot(snap *firestore.DocumentSnapshot, err error) (contracts.KillSwitchState, error) {
	if status.Code(err) == codes.NotFound {
		return contracts.KillSwitchState{}, nil
	}
	if err != nil {
		return contracts.KillSwitchState{}, fmt.Errorf("failed to get document: %w", err)
	}
	var fs firestoreState
	if err := snap.DataTo(&fs); err != nil {
		return contracts.KillSwitchState{}, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return contracts.KillSwitchState(fs), nil
}

func (s *FirestoreStore) Load(ctx context.Context) (contracts.KillSwitchState, error) {
	return decodeSnapshot(s.doc.Get(ctx))
}

func (s *FirestoreStore) Update(ctx context.Context, fn func(contracts.KillSwitchState) (contracts.KillSwitchState, bool)) (contracts.KillSwitchState, bool, error) {
	var (
		result  contracts.KillSwitchState
		changed bool
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		cur, err := decodeSnapshot(tx.Get(s.doc))
		if err != nil {
			return err
		}
		next, ok := fn(cur)
		result, changed = cur, ok
		if !ok {
			return nil
		}
		result = next
		return tx.Set(s.doc, firestoreState(next))
	})
	if err != nil {
		return contracts.KillSwitchState{}, false, err
	}
	return result, changed, nil
}
