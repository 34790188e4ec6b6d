package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/remotecare/remotecare/internal/domain/audit"
	"github.com/remotecare/remotecare/internal/platform/auth"
	"github.com/remotecare/remotecare/internal/platform/crypto"
)

var validRoles = map[string]bool{
	auth.RolePatient: true, auth.RoleProfessional: true,
	auth.RoleSecretary: true, auth.RoleManager: true,
}

type Service struct {
	users     UserRepository
	hospitals HospitalRepository
	keys      KeyRepository
	rec       *audit.Recorder
	jwtSecret []byte
}

func NewService(users UserRepository, hospitals HospitalRepository, keys KeyRepository, rec *audit.Recorder, jwtSecret []byte) *Service {
	return &Service{users: users, hospitals: hospitals, keys: keys, rec: rec, jwtSecret: jwtSecret}
}

// Keys exposes the key registry for collaborators that decrypt on the fly.
func (s *Service) Keys() KeyRepository { return s.keys }

// CreateUser hashes the password, mints the user's personal encryption key
// and records the creation in the audit log.
func (s *Service) CreateUser(ctx context.Context, actor uuid.UUID, u *User, password string) error {
	if !validRoles[u.Role] {
		return fmt.Errorf("invalid role: %s", u.Role)
	}
	if u.Email == "" {
		return fmt.Errorf("email is required")
	}
	if u.HospitalID == uuid.Nil {
		return fmt.Errorf("hospital_id is required")
	}
	if u.Role == auth.RolePatient && (u.Patient == nil || u.Patient.Disease == "") {
		return fmt.Errorf("patient must have a disease")
	}

	if password == "" {
		generated, err := crypto.RandomPassword(12)
		if err != nil {
			return fmt.Errorf("generate password: %w", err)
		}
		password = generated
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = string(hash)

	keyBytes, err := crypto.NewKey()
	if err != nil {
		return fmt.Errorf("mint key: %w", err)
	}
	key := &EncryptionKey{Key: keyBytes}
	if err := s.keys.Create(ctx, key); err != nil {
		return fmt.Errorf("store key: %w", err)
	}
	u.EncryptionKeyID = key.ID

	if err := s.users.Create(ctx, u); err != nil {
		return err
	}
	return s.rec.Record(ctx, actor, u, map[string]interface{}{}, u.auditValues())
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

// UpdateUser applies the changed profile fields and audits the diff. Role and
// encryption key are immutable.
func (s *Service) UpdateUser(ctx context.Context, actor uuid.UUID, u *User) error {
	current, err := s.users.GetByID(ctx, u.ID)
	if err != nil {
		return err
	}
	u.Role = current.Role
	u.EncryptionKeyID = current.EncryptionKeyID
	u.PasswordHash = current.PasswordHash

	if err := s.users.Update(ctx, u); err != nil {
		return err
	}
	return s.rec.Record(ctx, actor, u, current.auditValues(), u.auditValues())
}

// DeleteUser removes the user. The encryption key row is kept so older audit
// entries remain decryptable.
func (s *Service) DeleteUser(ctx context.Context, actor uuid.UUID, id uuid.UUID) error {
	current, err := s.users.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.rec.Record(ctx, actor, current, current.auditValues(),
		map[string]interface{}{"deleted": true}); err != nil {
		return err
	}
	return s.users.Delete(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]*User, int, error) {
	return s.users.List(ctx, limit, offset)
}

func (s *Service) ListByHospital(ctx context.Context, hospitalID uuid.UUID, role string, limit, offset int) ([]*User, int, error) {
	return s.users.ListByHospital(ctx, hospitalID, role, limit, offset)
}

// Login verifies credentials and issues a signed token.
func (s *Service) Login(ctx context.Context, email, password string) (string, *User, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return "", nil, fmt.Errorf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, fmt.Errorf("invalid credentials")
	}
	token, err := auth.IssueToken(s.jwtSecret, u.ID, u.Role, u.HospitalID)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// KeyFor resolves a patient to their encryption key handle and raw key
// material, for collaborators that encrypt on the patient's behalf.
func (s *Service) KeyFor(ctx context.Context, patientID uuid.UUID) (uuid.UUID, []byte, error) {
	u, err := s.users.GetByID(ctx, patientID)
	if err != nil {
		return uuid.Nil, nil, err
	}
	key, err := s.keys.Get(ctx, u.EncryptionKeyID)
	if err != nil {
		return uuid.Nil, nil, err
	}
	return u.EncryptionKeyID, key, nil
}

// DiseaseOf returns the disease of a patient account.
func (s *Service) DiseaseOf(ctx context.Context, patientID uuid.UUID) (string, error) {
	u, err := s.users.GetByID(ctx, patientID)
	if err != nil {
		return "", err
	}
	if u.Role != auth.RolePatient || u.Patient == nil {
		return "", fmt.Errorf("user %s is not a patient", patientID)
	}
	return u.Patient.Disease, nil
}

// AddressesOf lists the destination addresses of a patient: the account
// email plus the phone number when one is on file.
func (s *Service) AddressesOf(ctx context.Context, patientID uuid.UUID) ([]string, error) {
	u, err := s.users.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	addresses := []string{u.Email}
	if u.Patient != nil && u.Patient.Phone != nil && *u.Patient.Phone != "" {
		addresses = append(addresses, *u.Patient.Phone)
	}
	return addresses, nil
}

// -- Hospitals --

func (s *Service) CreateHospital(ctx context.Context, h *Hospital) error {
	if h.Name == "" {
		return fmt.Errorf("name is required")
	}
	return s.hospitals.Create(ctx, h)
}

func (s *Service) GetHospital(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	return s.hospitals.GetByID(ctx, id)
}

func (s *Service) ListHospitals(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	return s.hospitals.List(ctx, limit, offset)
}
