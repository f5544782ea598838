package reclaim

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/contestfi/custody/internal/blobstore"
	"github.com/contestfi/custody/internal/events"
	"github.com/contestfi/custody/internal/units"
	"github.com/contestfi/custody/internal/wallet"
)

// Report is the archived JSON form of a Summary.
type Report struct {
	RunID              string          `json:"runId"`
	DryRun             bool            `json:"dryRun"`
	Treasury           string          `json:"treasury,omitempty"`
	Processed          int             `json:"processed"`
	Reclaimed          int             `json:"reclaimed"`
	Skipped            int             `json:"skipped"`
	Deferred           int             `json:"deferred"`
	TotalAmountWei     string          `json:"totalAmountWei"`
	TotalAmountEth     string          `json:"totalAmountEth"`
	ProjectedAmountWei string          `json:"projectedAmountWei"`
	ProjectedAmountEth string          `json:"projectedAmountEth"`
	Candidates         []ReportWallet  `json:"candidates"`
	Failures           []ReportFailure `json:"failures"`
	StartedAt          time.Time       `json:"startedAt"`
	FinishedAt         time.Time       `json:"finishedAt"`
}

type ReportWallet struct {
	WalletID   string `json:"walletId"`
	ContestID  string `json:"contestId"`
	Address    string `json:"address"`
	BalanceWei string `json:"balanceWei"`
	AmountWei  string `json:"amountWei"`
}

type ReportFailure struct {
	WalletID   string `json:"walletId"`
	Address    string `json:"address"`
	AmountWei  string `json:"amountWei,omitempty"`
	TransferID string `json:"transferId,omitempty"`
	Signature  string `json:"signature,omitempty"`
	Pending    bool   `json:"pending"`
	Retryable  bool   `json:"retryable"`
	Error      string `json:"error"`
}

func wei(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewReport renders s for archival and operator output.
func NewReport(s Summary) Report {
	r := Report{
		RunID:              s.RunID,
		DryRun:             s.DryRun,
		Treasury:           s.Treasury,
		Processed:          s.Processed,
		Reclaimed:          s.Reclaimed,
		Skipped:            s.Skipped,
		Deferred:           s.Deferred,
		TotalAmountWei:     wei(s.TotalAmount),
		TotalAmountEth:     units.FormatEther(s.TotalAmount),
		ProjectedAmountWei: wei(s.ProjectedAmount),
		ProjectedAmountEth: units.FormatEther(s.ProjectedAmount),
		Candidates:         make([]ReportWallet, 0, len(s.Candidates)),
		Failures:           make([]ReportFailure, 0, len(s.Failures)),
		StartedAt:          s.StartedAt,
		FinishedAt:         s.FinishedAt,
	}
	for _, c := range s.Candidates {
		r.Candidates = append(r.Candidates, ReportWallet{
			WalletID:   c.WalletID,
			ContestID:  c.ContestID,
			Address:    c.Address,
			BalanceWei: wei(c.Balance),
			AmountWei:  wei(c.Amount),
		})
	}
	for _, f := range s.Failures {
		rf := ReportFailure{
			WalletID:   f.WalletID,
			Address:    f.Address,
			TransferID: f.TransferID,
			Signature:  f.Signature,
			Pending:    f.Pending,
			Retryable:  f.Retryable,
		}
		if f.Amount != nil {
			rf.AmountWei = f.Amount.String()
		}
		if f.Err != nil {
			rf.Error = f.Err.Error()
		}
		r.Failures = append(r.Failures, rf)
	}
	return r
}

// ReportKey is where a run's report is archived.
func (e *Engine) ReportKey(runID string) string {
	return e.cfg.ReportPrefix + "/" + runID + ".json"
}

// archive stores and announces the run. Neither step can fail the run.
func (e *Engine) archive(ctx context.Context, s *Summary) {
	ctx = context.WithoutCancel(ctx)

	if e.reports != nil {
		key := e.ReportKey(s.RunID)
		b, err := json.MarshalIndent(NewReport(*s), "", "  ")
		if err == nil {
			pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err = e.reports.Put(pctx, key, b, blobstore.PutOptions{
				ContentType: "application/json",
				Metadata:    map[string]string{"run-id": s.RunID},
				CreateOnly:  true,
			})
			cancel()
		}
		switch {
		case err == nil:
			s.ReportKey = key
		case errors.Is(err, blobstore.ErrExists):
			e.log.Warn("reclamation report already archived", "run_id", s.RunID, "key", key)
		default:
			e.log.Error("archiving reclamation report failed", "run_id", s.RunID, "key", key, "err", err)
		}
	}

	if e.events != nil {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err := e.events.PublishReclaimRun(pctx, events.ReclaimRun{
			RunID:              s.RunID,
			DryRun:             s.DryRun,
			Processed:          s.Processed,
			Reclaimed:          s.Reclaimed,
			Deferred:           s.Deferred,
			Failed:             len(s.Failures),
			TotalAmountWei:     wei(s.TotalAmount),
			ProjectedAmountWei: wei(s.ProjectedAmount),
			ReportKey:          s.ReportKey,
			StartedAt:          s.StartedAt,
			FinishedAt:         s.FinishedAt,
		})
		if err != nil {
			e.log.Error("publishing reclamation run failed", "run_id", s.RunID, "err", err)
		}
	}
}

func (e *Engine) publishTransfer(ctx context.Context, rec wallet.TransferRecord, contestID, errMsg string) {
	if e.events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := e.events.PublishTransfer(pctx, events.Transfer{
		TransferID: rec.ID,
		WalletID:   rec.WalletID,
		ContestID:  contestID,
		Kind:       string(rec.Kind),
		Status:     string(rec.Status),
		From:       rec.Source,
		To:         rec.Destination,
		AmountWei:  wei(rec.Amount),
		Signature:  rec.Signature,
		Error:      errMsg,
		OccurredAt: e.cfg.Now().UTC(),
	})
	if err != nil {
		e.log.Warn("publishing transfer event failed", "transfer_id", rec.ID, "err", err)
	}
}
