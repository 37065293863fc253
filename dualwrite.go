/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package settle

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/model"
)

// descriptionSimilarityFloor is how close legacy and unified descriptions
// must be to count as the same. Legacy rows carry operator-edited free text,
// so an exact match is too strict.
const descriptionSimilarityFloor = 0.85

// DualWriteAdapter mirrors unified transactions into the old per-kind
// tables while migration is in flight. The mirror write never blocks the
// caller: a failed mirror flags the transaction inconsistent and moves on.
type DualWriteAdapter struct {
	datasource database.IDataSource
}

func NewDualWriteAdapter(db database.IDataSource) *DualWriteAdapter {
	return &DualWriteAdapter{datasource: db}
}

func mirrorEnabled() bool {
	cnf, err := config.Fetch()
	if err != nil {
		return false
	}
	return cnf.DualWrite.Mode != config.DualWriteUnifiedOnly
}

func legacyRecordFrom(txn *model.Transaction) *model.LegacyRecord {
	description := ""
	if d, ok := txn.MetaData["description"].(string); ok {
		description = d
	}
	return &model.LegacyRecord{
		TransactionID: txn.TransactionID,
		Kind:          txn.Kind,
		OwnerID:       txn.OwnerID,
		Status:        txn.Status,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Destination:   txn.Destination,
		Description:   description,
		UpdatedAt:     time.Now(),
	}
}

// MirrorCreate writes the legacy row for a freshly created transaction.
func (a *DualWriteAdapter) MirrorCreate(ctx context.Context, txn *model.Transaction) {
	if !mirrorEnabled() {
		return
	}
	if err := a.datasource.UpsertLegacyRecord(ctx, legacyRecordFrom(txn)); err != nil {
		a.flagMirrorFailure(ctx, txn.TransactionID, errors.Wrap(err, "mirror create failed"))
	}
}

// MirrorStatus propagates a status change to the legacy row.
func (a *DualWriteAdapter) MirrorStatus(ctx context.Context, txn *model.Transaction) {
	if !mirrorEnabled() {
		return
	}
	if err := a.datasource.UpdateLegacyStatus(ctx, txn.Kind, txn.TransactionID, txn.Status); err != nil {
		// The row may predate dual-write for this transaction; try a full
		// upsert before giving up.
		if upErr := a.datasource.UpsertLegacyRecord(ctx, legacyRecordFrom(txn)); upErr != nil {
			a.flagMirrorFailure(ctx, txn.TransactionID, errors.Wrap(upErr, "mirror status failed"))
		}
	}
}

func (a *DualWriteAdapter) flagMirrorFailure(ctx context.Context, transactionID string, err error) {
	logrus.Errorf("dual-write mirror for %s: %+v", transactionID, err)
	if mErr := a.datasource.MarkInconsistent(ctx, transactionID, true); mErr != nil {
		logrus.Error(mErr)
	}
}

// CheckConsistency compares the unified and legacy representations of one
// transaction field by field. Descriptions are compared fuzzily; everything
// else must match exactly. The inconsistency flag on the transaction is
// updated to match the outcome.
func (a *DualWriteAdapter) CheckConsistency(ctx context.Context, transactionID string) (*model.ConsistencyReport, error) {
	txn, err := a.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	legacy, err := a.datasource.GetLegacyRecord(ctx, txn.Kind, transactionID)
	if err != nil {
		return nil, err
	}

	unified := legacyRecordFrom(txn)
	report := &model.ConsistencyReport{TransactionID: transactionID, CheckedAt: time.Now()}

	compare := func(field, unifiedVal, legacyVal string) {
		if unifiedVal != legacyVal {
			report.Drift = append(report.Drift, model.FieldDrift{Field: field, Unified: unifiedVal, Legacy: legacyVal})
		}
	}
	compare("status", unified.Status, legacy.Status)
	compare("owner_id", unified.OwnerID, legacy.OwnerID)
	compare("currency", unified.Currency, legacy.Currency)
	compare("destination", unified.Destination, legacy.Destination)
	if !unified.Amount.Equal(legacy.Amount) {
		report.Drift = append(report.Drift, model.FieldDrift{Field: "amount", Unified: unified.Amount.String(), Legacy: legacy.Amount.String()})
	}
	if similarity(unified.Description, legacy.Description) < descriptionSimilarityFloor {
		report.Drift = append(report.Drift, model.FieldDrift{Field: "description", Unified: unified.Description, Legacy: legacy.Description})
	}

	report.Consistent = len(report.Drift) == 0
	if err := a.datasource.MarkInconsistent(ctx, transactionID, !report.Consistent); err != nil {
		logrus.Error(err)
	}
	return report, nil
}

func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
}

// RepairDrift resolves drift in favor of the configured primary. With the
// unified store primary the legacy row is rewritten from it; with the legacy
// store primary the unified row's mirrored fields are rewritten from the
// legacy row.
func (a *DualWriteAdapter) RepairDrift(ctx context.Context, transactionID string) (*model.ConsistencyReport, error) {
	report, err := a.CheckConsistency(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if report.Consistent {
		return report, nil
	}

	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	txn, err := a.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if cnf.DualWrite.Mode == config.DualWriteLegacyPrimary {
		legacy, err := a.datasource.GetLegacyRecord(ctx, txn.Kind, transactionID)
		if err != nil {
			return nil, err
		}
		if err := a.datasource.SyncTransactionFromLegacy(ctx, legacy); err != nil {
			return nil, errors.Wrap(err, "drift repair failed")
		}
	} else {
		if err := a.datasource.UpsertLegacyRecord(ctx, legacyRecordFrom(txn)); err != nil {
			return nil, errors.Wrap(err, "drift repair failed")
		}
	}
	if err := a.datasource.MarkInconsistent(ctx, transactionID, false); err != nil {
		logrus.Error(err)
	}
	report.Consistent = true
	return report, nil
}
