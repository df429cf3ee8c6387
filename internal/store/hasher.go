package store

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/lk2023060901/garden-chat/internal/chat"
	"github.com/lk2023060901/garden-chat/pkg/util/merr"
)

// BcryptHasher 使用 bcrypt 实现 chat.PasswordHasher。
type BcryptHasher struct {
	cost int
}

var _ chat.PasswordHasher = (*BcryptHasher)(nil)

// NewBcryptHasher 创建指定强度的哈希器，cost 为 0 时使用 bcrypt.DefaultCost。
func NewBcryptHasher(cost int) (*BcryptHasher, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, merr.WrapErrParameterInvalidRange(bcrypt.MinCost, bcrypt.MaxCost, cost, "bcrypt cost")
	}
	return &BcryptHasher{cost: cost}, nil
}

// Hash 实现 chat.PasswordHasher.Hash。
func (h *BcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare 实现 chat.PasswordHasher.Compare。
func (h *BcryptHasher) Compare(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
