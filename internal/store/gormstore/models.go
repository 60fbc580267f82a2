package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/rezonia/compliance-engine/internal/model"
)

// chainRow is the persisted chain head for one tenant
type chainRow struct {
	TenantID     string    `gorm:"primaryKey;size:128"`
	LastHash     *string   `gorm:"size:64"`
	LastSequence int64     `gorm:"not null;default:0"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
}

func (chainRow) TableName() string { return "chain_records" }

func (r chainRow) toModel() model.ChainRecord {
	out := model.ChainRecord{TenantID: r.TenantID, LastSequence: r.LastSequence}
	if r.LastHash != nil {
		h := *r.LastHash
		out.LastHash = &h
	}
	return out
}

// recordRow is the persisted compliance record
type recordRow struct {
	InvoiceID          string         `gorm:"primaryKey;size:128"`
	TenantID           string         `gorm:"size:128;not null;index:idx_compliance_tenant_seq,priority:1"`
	Sequence           int64          `gorm:"not null;default:0;index:idx_compliance_tenant_seq,priority:2"`
	Hash               string         `gorm:"size:64"`
	PreviousHash       string         `gorm:"size:64"`
	Invoice            datatypes.JSON `gorm:"not null"`
	VerificationURL    string         `gorm:"type:text"`
	VerificationPNG    []byte
	VerificationSize   int
	Status             string         `gorm:"size:16;not null;index"`
	AuthorityReference string         `gorm:"size:128"`
	LastError          string         `gorm:"type:text"`
	ErrorCode          string         `gorm:"size:32"`
	Attempts           datatypes.JSON
	CreatedAt          time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime:false"`
}

func (recordRow) TableName() string { return "compliance_records" }

func toRow(rec model.ComplianceRecord) (recordRow, error) {
	inv, err := json.Marshal(rec.Invoice)
	if err != nil {
		return recordRow{}, fmt.Errorf("encode invoice snapshot: %w", err)
	}
	attempts := rec.Attempts
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	att, err := json.Marshal(attempts)
	if err != nil {
		return recordRow{}, fmt.Errorf("encode attempts: %w", err)
	}
	return recordRow{
		InvoiceID:          rec.InvoiceID,
		TenantID:           rec.TenantID,
		Sequence:           rec.Sequence,
		Hash:               rec.Hash,
		PreviousHash:       rec.PreviousHash,
		Invoice:            datatypes.JSON(inv),
		VerificationURL:    rec.VerificationCode.URL,
		VerificationPNG:    rec.VerificationCode.PNG,
		VerificationSize:   rec.VerificationCode.Size,
		Status:             string(rec.Status),
		AuthorityReference: rec.AuthorityReference,
		LastError:          rec.LastError,
		ErrorCode:          rec.ErrorCode,
		Attempts:           datatypes.JSON(att),
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}, nil
}

func (r recordRow) toModel() (model.ComplianceRecord, error) {
	rec := model.ComplianceRecord{
		InvoiceID:    r.InvoiceID,
		TenantID:     r.TenantID,
		Sequence:     r.Sequence,
		Hash:         r.Hash,
		PreviousHash: r.PreviousHash,
		VerificationCode: model.VerificationCode{
			URL:  r.VerificationURL,
			PNG:  r.VerificationPNG,
			Size: r.VerificationSize,
		},
		Status:             model.Status(r.Status),
		AuthorityReference: r.AuthorityReference,
		LastError:          r.LastError,
		ErrorCode:          r.ErrorCode,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Invoice, &rec.Invoice); err != nil {
		return model.ComplianceRecord{}, fmt.Errorf("decode invoice snapshot %s: %w", r.InvoiceID, err)
	}
	if len(r.Attempts) > 0 {
		if err := json.Unmarshal(r.Attempts, &rec.Attempts); err != nil {
			return model.ComplianceRecord{}, fmt.Errorf("decode attempts %s: %w", r.InvoiceID, err)
		}
		if len(rec.Attempts) == 0 {
			rec.Attempts = nil
		}
	}
	return rec, nil
}
