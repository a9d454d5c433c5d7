package heartbeat

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/repository"
)

// credentialBytes is the entropy of a worker sync credential (hex-encoded
// to 64 characters on the wire).
const credentialBytes = 32

// Registry manages worker identities and their sync credentials. Only the
// SHA-256 of a credential is ever stored; the plaintext is returned exactly
// once, at registration or rotation, and cannot be recovered afterwards.
//
// SHA-256 rather than an adaptive hash: credentials are 256-bit random
// values, not human-chosen passwords, and the hash is looked up on every
// 15-second heartbeat from every worker.
type Registry struct {
	workers repository.WorkerRepository
	logger  *zap.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(workers repository.WorkerRepository, logger *zap.Logger) *Registry {
	return &Registry{
		workers: workers,
		logger:  logger.Named("registry"),
	}
}

// HashCredential returns the hex SHA-256 of a plaintext sync credential.
func HashCredential(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// newCredential generates a fresh random credential.
func newCredential() (string, error) {
	buf := make([]byte, credentialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("heartbeat: generate credential: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Register creates a worker and returns it together with the one-time
// plaintext credential.
func (r *Registry) Register(ctx context.Context, userID uuid.UUID, name string) (*db.Worker, string, error) {
	credential, err := newCredential()
	if err != nil {
		return nil, "", err
	}

	worker := &db.Worker{
		UserID:         userID,
		Name:           name,
		CredentialHash: HashCredential(credential),
		Status:         StatusOffline,
	}
	if err := r.workers.Create(ctx, worker); err != nil {
		return nil, "", err
	}

	r.logger.Info("worker registered",
		zap.String("worker_id", worker.ID.String()),
		zap.String("worker_name", name),
	)
	return worker, credential, nil
}

// Rotate replaces a worker's credential and returns the new one-time
// plaintext. The old credential stops authenticating the moment the
// rotation commits; a worker still presenting it gets 401s until
// reconfigured.
func (r *Registry) Rotate(ctx context.Context, workerID uuid.UUID) (string, error) {
	credential, err := newCredential()
	if err != nil {
		return "", err
	}
	if err := r.workers.RotateCredential(ctx, workerID, HashCredential(credential)); err != nil {
		return "", err
	}

	r.logger.Info("worker credential rotated", zap.String("worker_id", workerID.String()))
	return credential, nil
}

// Authenticate resolves a presented credential to its worker. Returns
// repository.ErrNotFound for unknown or rotated credentials — the boundary
// maps this to a 401 without mutating any state.
func (r *Registry) Authenticate(ctx context.Context, credential string) (*db.Worker, error) {
	return r.workers.GetByCredentialHash(ctx, HashCredential(credential))
}
