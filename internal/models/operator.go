package models

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/sha3"

	"github.com/microsoft/wsla/internal/db"
)

const (
	bcryptCost     = 10
	shake256Length = 16 // bytes → 32 hex chars
	tokenLifetime  = 7 * 24 * time.Hour
	secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	secretLength   = 64
)

// ErrOperatorExists is returned when creating a duplicate operator.
var ErrOperatorExists = errors.New("operator already exists")

// Operator is an account allowed to drive the control surface.
type Operator struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Active   bool   `json:"active"`
}

// TokenClaims binds a control token to the operator's current password so
// changing it revokes outstanding tokens.
type TokenClaims struct {
	Operator string `json:"op"`
	H        string `json:"h"`
	jwt.RegisteredClaims
}

type OperatorStore struct {
	db *bolt.DB
}

func NewOperatorStore(database *bolt.DB) *OperatorStore {
	return &OperatorStore{db: database}
}

// itob converts a uint64 to an 8-byte big-endian slice for use as a bbolt key.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// FindByName returns the active operator or nil.
func (s *OperatorStore) FindByName(name string) (*Operator, error) {
	var op *Operator
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketOperators).Get([]byte(name))
		if v == nil {
			return nil
		}
		op = &Operator{}
		if err := json.Unmarshal(v, op); err != nil {
			return fmt.Errorf("unmarshal operator: %w", err)
		}
		if !op.Active {
			op = nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find operator: %w", err)
	}
	return op, nil
}

// FindByID returns the operator or nil.
func (s *OperatorStore) FindByID(id int) (*Operator, error) {
	var op *Operator
	err := s.db.View(func(tx *bolt.Tx) error {
		name := tx.Bucket(db.BucketOperatorsByID).Get(itob(uint64(id)))
		if name == nil {
			return nil
		}
		v := tx.Bucket(db.BucketOperators).Get(name)
		if v == nil {
			return nil
		}
		op = &Operator{}
		return json.Unmarshal(v, op)
	})
	if err != nil {
		return nil, fmt.Errorf("find operator by id: %w", err)
	}
	return op, nil
}

func (s *OperatorStore) Count() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(db.BucketOperators).Stats().KeyN
		return nil
	})
	return count, err
}

// Create stores a new operator with a bcrypt-hashed password.
func (s *OperatorStore) Create(name, password string) (*Operator, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	var op *Operator
	err = s.db.Update(func(tx *bolt.Tx) error {
		ops := tx.Bucket(db.BucketOperators)
		if ops.Get([]byte(name)) != nil {
			return ErrOperatorExists
		}
		byID := tx.Bucket(db.BucketOperatorsByID)
		seq, err := byID.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		op = &Operator{ID: int(seq), Name: name, Password: string(hash), Active: true}
		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("marshal operator: %w", err)
		}
		if err := ops.Put([]byte(name), data); err != nil {
			return err
		}
		return byID.Put(itob(seq), []byte(name))
	})
	if err != nil {
		return nil, fmt.Errorf("create operator %q: %w", name, err)
	}
	return op, nil
}

func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CreateToken issues an HS256 control token for op.
func CreateToken(op *Operator, secret string) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		Operator: op.Name,
		H:        Shake256Hex(op.Password, shake256Length),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken parses and validates a control token.
func VerifyToken(tokenString, secret string) (*TokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(tokenString, &TokenClaims{}, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Matches reports whether the token was issued to op with its current
// password.
func (c *TokenClaims) Matches(op *Operator) bool {
	return op != nil && c.Operator == op.Name && c.H == Shake256Hex(op.Password, shake256Length)
}

// Shake256Hex computes SHAKE256 of data and returns the first length bytes as hex.
func Shake256Hex(data string, length int) string {
	if data == "" {
		return ""
	}
	h := sha3.NewShake256()
	h.Write([]byte(data))
	out := make([]byte, length)
	h.Read(out)
	return hex.EncodeToString(out)
}

// GenSecret generates a cryptographically random alphanumeric string.
func GenSecret(length int) (string, error) {
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(secretAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = secretAlphabet[n.Int64()]
	}
	return string(b), nil
}
