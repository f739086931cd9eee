package utils

import (
	"os"
	"strconv"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost reads BCRYPT_COST, clamped to the library's valid range.
// Lowering it speeds up bulk seeding and test environments.
func bcryptCost() int {
	v := os.Getenv("BCRYPT_COST")
	if v == "" {
		return bcrypt.DefaultCost
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < bcrypt.MinCost || n > bcrypt.MaxCost {
		return bcrypt.DefaultCost
	}
	return n
}

func HashPassword(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcryptCost())
}

func ComparePassword(hashed string, normal string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(normal))
}
