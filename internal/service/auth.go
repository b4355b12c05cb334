package service

import "golang.org/x/crypto/bcrypt"

// OperatorAuth guards operator-only operations with a bcrypt password hash.
// With no hash configured every check fails.
type OperatorAuth struct {
	hash []byte
}

func NewOperatorAuth(bcryptHash string) *OperatorAuth {
	return &OperatorAuth{hash: []byte(bcryptHash)}
}

func (a *OperatorAuth) Check(password string) error {
	if len(a.hash) == 0 || password == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(password)); err != nil {
		return ErrUnauthorized
	}
	return nil
}
