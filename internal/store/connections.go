// Package store is the credential store: gorm-backed CRUD of SSH connection
// descriptors with secrets sealed by crypto.Encryptor.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/crypto"
	"github.com/ahmetk3436/sshdeck/internal/models"
	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrNotFound      = errors.New("connection not found")
	ErrDuplicateName = errors.New("connection name already exists")
	ErrInvalid       = errors.New("invalid connection")
)

type ConnectionInput struct {
	Name         string                   `json:"name"`
	Host         string                   `json:"host"`
	Port         int                      `json:"port"`
	Username     string                   `json:"username"`
	Password     string                   `json:"password"`
	PrivateKey   string                   `json:"private_key"`
	Passphrase   string                   `json:"passphrase"`
	Options      models.ConnectionOptions `json:"options"`
	ImportedFrom string                   `json:"-"`
}

// ConnectionPatch updates only the non-nil fields. Setting a password
// clears the private key and the other way around.
type ConnectionPatch struct {
	Name       *string                   `json:"name"`
	Host       *string                   `json:"host"`
	Port       *int                      `json:"port"`
	Username   *string                   `json:"username"`
	Password   *string                   `json:"password"`
	PrivateKey *string                   `json:"private_key"`
	Passphrase *string                   `json:"passphrase"`
	Options    *models.ConnectionOptions `json:"options"`
}

type ConnectionStore struct {
	db        *gorm.DB
	encryptor *crypto.Encryptor
}

func New(db *gorm.DB, encryptor *crypto.Encryptor) *ConnectionStore {
	return &ConnectionStore{db: db, encryptor: encryptor}
}

func (s *ConnectionStore) List(ctx context.Context) ([]models.Connection, error) {
	var conns []models.Connection
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

func (s *ConnectionStore) Get(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	var conn models.Connection
	if err := s.db.WithContext(ctx).First(&conn, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return &conn, nil
}

func (s *ConnectionStore) GetByName(ctx context.Context, name string) (*models.Connection, error) {
	var conn models.Connection
	if err := s.db.WithContext(ctx).First(&conn, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return &conn, nil
}

func (s *ConnectionStore) Create(ctx context.Context, in ConnectionInput) (*models.Connection, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Host = strings.TrimSpace(in.Host)
	in.Username = strings.TrimSpace(in.Username)
	if in.Name == "" || in.Host == "" || in.Username == "" {
		return nil, fmt.Errorf("%w: name, host, and username are required", ErrInvalid)
	}
	if in.Port == 0 {
		in.Port = 22
	}
	if in.ImportedFrom == "" {
		in.ImportedFrom = models.SourceManual
	}

	conn := models.Connection{
		Name:         in.Name,
		Host:         in.Host,
		Port:         in.Port,
		Username:     in.Username,
		Options:      datatypes.NewJSONType(in.Options),
		Status:       models.StatusDisconnected,
		ImportedFrom: in.ImportedFrom,
	}
	if err := s.setSecrets(&conn, in.Password, in.PrivateKey, in.Passphrase); err != nil {
		return nil, err
	}
	if err := s.validate(&conn); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("create connection: %w", err)
	}
	return &conn, nil
}

func (s *ConnectionStore) Update(ctx context.Context, id uuid.UUID, patch ConnectionPatch) (*models.Connection, error) {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		conn.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Host != nil {
		conn.Host = strings.TrimSpace(*patch.Host)
	}
	if patch.Port != nil {
		conn.Port = *patch.Port
		if conn.Port == 0 {
			conn.Port = 22
		}
	}
	if patch.Username != nil {
		conn.Username = strings.TrimSpace(*patch.Username)
	}
	if patch.Options != nil {
		conn.Options = datatypes.NewJSONType(*patch.Options)
	}
	if conn.Name == "" || conn.Host == "" || conn.Username == "" {
		return nil, fmt.Errorf("%w: name, host, and username are required", ErrInvalid)
	}

	switch {
	case patch.Password != nil && *patch.Password != "":
		if err := s.setSecrets(conn, *patch.Password, "", ""); err != nil {
			return nil, err
		}
	case patch.PrivateKey != nil && *patch.PrivateKey != "":
		passphrase := ""
		if patch.Passphrase != nil {
			passphrase = *patch.Passphrase
		}
		if err := s.setSecrets(conn, "", *patch.PrivateKey, passphrase); err != nil {
			return nil, err
		}
	}
	if err := s.validate(conn); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Save(conn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("update connection: %w", err)
	}
	return conn, nil
}

func (s *ConnectionStore) Delete(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&models.Connection{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete connection: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Descriptor decrypts conn's secrets into a dialable descriptor.
func (s *ConnectionStore) Descriptor(conn *models.Connection) (sshsession.Descriptor, error) {
	password, err := s.encryptor.Decrypt(conn.EncryptedPassword)
	if err != nil {
		return sshsession.Descriptor{}, fmt.Errorf("decrypt password: %w", err)
	}
	privateKey, err := s.encryptor.Decrypt(conn.EncryptedPrivateKey)
	if err != nil {
		return sshsession.Descriptor{}, fmt.Errorf("decrypt private key: %w", err)
	}
	passphrase, err := s.encryptor.Decrypt(conn.EncryptedPassphrase)
	if err != nil {
		return sshsession.Descriptor{}, fmt.Errorf("decrypt passphrase: %w", err)
	}
	return DescriptorFrom(conn, password, privateKey, passphrase), nil
}

// DescriptorFrom builds a descriptor from a connection row and plaintext secrets.
func DescriptorFrom(conn *models.Connection, password, privateKey, passphrase string) sshsession.Descriptor {
	opts := conn.Options.Data()
	return sshsession.Descriptor{
		ID:         conn.ID.String(),
		Name:       conn.Name,
		Host:       conn.Host,
		Port:       conn.Port,
		Username:   conn.Username,
		Password:   password,
		PrivateKey: privateKey,
		Passphrase: passphrase,
		Options: sshsession.Options{
			Compression:           opts.Compression,
			ConnectTimeout:        time.Duration(opts.ConnectTimeout) * time.Second,
			StrictHostKeyChecking: isYes(opts.StrictHostKeyChecking),
			KnownHostsFile:        opts.UserKnownHostsFile,
			ProxyCommand:          opts.ProxyCommand,
			ForwardAgent:          opts.ForwardAgent,
		},
	}
}

// FindConnection implements sshsession.Store.
func (s *ConnectionStore) FindConnection(ctx context.Context, id string) (sshsession.Descriptor, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return sshsession.Descriptor{}, fmt.Errorf("connection %q: %w", id, sshsession.ErrNotFound)
	}
	conn, err := s.Get(ctx, uid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return sshsession.Descriptor{}, fmt.Errorf("connection %s: %w", id, sshsession.ErrNotFound)
		}
		return sshsession.Descriptor{}, err
	}
	return s.Descriptor(conn)
}

// RecordProbe implements sshsession.ProbeRecorder: it stores last_test and
// flips the connection status.
func (s *ConnectionStore) RecordProbe(ctx context.Context, connectionID string, res *sshsession.ProbeResult, probeErr error) error {
	now := time.Now()
	test := models.ConnectionTest{Success: probeErr == nil, Timestamp: &now}
	updates := map[string]interface{}{}

	if probeErr != nil {
		test.Error = probeErr.Error()
		test.Reason = sshsession.Reason(probeErr)
		updates["status"] = models.StatusError
	} else {
		test.ServerVersion = res.ServerVersion
		test.Fingerprint = res.Fingerprint
		test.LatencyMs = res.Latency.Milliseconds()
		updates["status"] = models.StatusConnected
		updates["fingerprint"] = res.Fingerprint
		updates["last_connected_at"] = now
	}
	updates["last_test"] = datatypes.NewJSONType(test)

	err := s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connectionID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("record probe: %w", err)
	}
	return nil
}

// SetStatus records what the last shell on a connection saw. Connected also
// stamps last_connected_at.
func (s *ConnectionStore) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	updates := map[string]interface{}{"status": status}
	if status == models.StatusConnected {
		updates["last_connected_at"] = time.Now()
	}
	err := s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

func (s *ConnectionStore) setSecrets(conn *models.Connection, password, privateKey, passphrase string) error {
	var err error
	if conn.EncryptedPassword, err = s.encryptor.Encrypt(password); err != nil {
		return fmt.Errorf("failed to encrypt password: %w", err)
	}
	if conn.EncryptedPrivateKey, err = s.encryptor.Encrypt(privateKey); err != nil {
		return fmt.Errorf("failed to encrypt private key: %w", err)
	}
	if conn.EncryptedPassphrase, err = s.encryptor.Encrypt(passphrase); err != nil {
		return fmt.Errorf("failed to encrypt passphrase: %w", err)
	}
	conn.AuthType = models.AuthTypePassword
	if privateKey != "" {
		conn.AuthType = models.AuthTypeKey
	}
	return nil
}

// validate checks the exactly-one-auth invariant on the decrypted form.
func (s *ConnectionStore) validate(conn *models.Connection) error {
	if conn.Port < 1 || conn.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, conn.Port)
	}
	desc, err := s.Descriptor(conn)
	if err != nil {
		return err
	}
	if err := desc.Validate(); err != nil {
		var se *sshsession.Error
		if errors.As(err, &se) && se.Err != nil {
			return fmt.Errorf("%w: %s", ErrInvalid, se.Err.Error())
		}
		return fmt.Errorf("%w: %s", ErrInvalid, err.Error())
	}
	return nil
}

func isYes(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "1", "on":
		return true
	}
	return false
}
