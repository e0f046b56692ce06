package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/storage"
)

func seedDataset(f *fixture, id string, columns ...storage.CatalogColumn) {
	f.catalog.datasets[id] = &fakeDataset{
		dataset: &storage.CatalogDataset{
			ID:          id,
			ConnectorID: "conn-sfdc",
			SchemaName:  "crm",
			TableName:   "deals",
			DatasetType: "table",
		},
		columns: columns,
	}
}

func TestCatalogProfile_PersistsColumnProfiles(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	seedDataset(f, "ds-deals",
		storage.CatalogColumn{DatasetID: "ds-deals", Name: "id", Ordinal: 1, DataType: "uuid"},
		storage.CatalogColumn{DatasetID: "ds-deals", Name: "amount", Ordinal: 2, DataType: "numeric"},
	)
	f.catalog.profileStats["amount"] = &storage.ColumnStats{
		SampleSize:    250,
		NullFraction:  0.04,
		DistinctCount: 198,
		MinValue:      "10.00",
		MaxValue:      "99000.00",
	}
	set := f.set(t)

	raw, err := set.CatalogProfile(context.Background(), testJob(KindCatalogProfile, `{"dataset_ids":["ds-deals"]}`))
	if err != nil {
		t.Fatalf("CatalogProfile: %v", err)
	}

	if len(f.catalog.profiles) != 2 {
		t.Fatalf("persisted profiles = %d, want 2", len(f.catalog.profiles))
	}
	amount := f.catalog.profiles[1]
	if amount.DatasetID != "ds-deals" || amount.ColumnName != "amount" {
		t.Fatalf("second profile = %+v", amount)
	}
	if amount.SampleSize != 250 || amount.NullFraction != 0.04 || amount.DistinctCount != 198 {
		t.Errorf("amount stats not carried over: %+v", amount)
	}
	if amount.ProfiledAt.IsZero() {
		t.Error("profiled_at not set")
	}
	if amount.PIIFlags != nil {
		t.Errorf("PII detection was off, got flags %v", amount.PIIFlags)
	}

	var result CatalogProfileResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ColumnsProfiled != 2 || result.ColumnsFailed != 0 {
		t.Errorf("result = %+v, want 2 profiled / 0 failed", result)
	}
}

func TestCatalogProfile_PIIDetection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	seedDataset(f, "ds-contacts",
		storage.CatalogColumn{DatasetID: "ds-contacts", Name: "contact_ref", Ordinal: 1, DataType: "text"},
	)
	f.catalog.profileStats["contact_ref"] = &storage.ColumnStats{
		SampleSize: 90,
		MinValue:   "amy@example.com",
		MaxValue:   "zed@example.com",
	}
	set := f.set(t)

	if _, err := set.CatalogProfile(context.Background(), testJob(KindCatalogProfile, `{"dataset_ids":["ds-contacts"],"include_pii_detection":true}`)); err != nil {
		t.Fatalf("CatalogProfile: %v", err)
	}

	if len(f.catalog.profiles) != 1 {
		t.Fatalf("persisted profiles = %d, want 1", len(f.catalog.profiles))
	}
	flags := f.catalog.profiles[0].PIIFlags
	if len(flags) != 1 || flags[0] != PIIEmail {
		t.Fatalf("PII flags = %v, want [email]", flags)
	}
}

func TestCatalogProfile_ColumnFailureDoesNotAbort(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	seedDataset(f, "ds-deals",
		storage.CatalogColumn{DatasetID: "ds-deals", Name: "payload", Ordinal: 1, DataType: "jsonb"},
		storage.CatalogColumn{DatasetID: "ds-deals", Name: "amount", Ordinal: 2, DataType: "numeric"},
	)
	f.catalog.profileErrs["payload"] = errors.New("could not identify an ordering operator")
	set := f.set(t)

	raw, err := set.CatalogProfile(context.Background(), testJob(KindCatalogProfile, `{"dataset_ids":["ds-deals"]}`))
	if err != nil {
		t.Fatalf("CatalogProfile: %v", err)
	}

	if len(f.catalog.profiledColumns) != 2 {
		t.Fatalf("attempted columns = %v, want both", f.catalog.profiledColumns)
	}
	if len(f.catalog.profiles) != 1 || f.catalog.profiles[0].ColumnName != "amount" {
		t.Fatalf("persisted profiles = %+v, want only amount", f.catalog.profiles)
	}

	var result CatalogProfileResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ColumnsProfiled != 1 || result.ColumnsFailed != 1 {
		t.Errorf("result = %+v, want 1 profiled / 1 failed", result)
	}
}

func TestCatalogProfile_MissingDatasetSkipped(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	seedDataset(f, "ds-deals",
		storage.CatalogColumn{DatasetID: "ds-deals", Name: "id", Ordinal: 1, DataType: "uuid"},
	)
	set := f.set(t)

	raw, err := set.CatalogProfile(context.Background(), testJob(KindCatalogProfile, `{"dataset_ids":["ds-gone","ds-deals"]}`))
	if err != nil {
		t.Fatalf("CatalogProfile: %v", err)
	}

	var result CatalogProfileResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.MissingDatasets) != 1 || result.MissingDatasets[0] != "ds-gone" {
		t.Errorf("missing datasets = %v, want [ds-gone]", result.MissingDatasets)
	}
	if result.ColumnsProfiled != 1 {
		t.Errorf("columns profiled = %d, want 1", result.ColumnsProfiled)
	}
}

func TestCatalogProfile_PayloadValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"dataset_ids":`},
		{"empty dataset list", `{"dataset_ids":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set := newFixture().set(t)

			_, err := set.CatalogProfile(context.Background(), testJob(KindCatalogProfile, tc.payload))
			if !queue.IsPermanent(err) {
				t.Fatalf("expected permanent error, got %v", err)
			}
		})
	}
}

func TestCatalogProfile_LoadFailureRetries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	f.catalog.getDatasetErr = errors.New("connection reset")
	set := f.set(t)

	_, err := set.CatalogProfile(context.Background(), testJob(KindCatalogProfile, `{"dataset_ids":["ds-deals"]}`))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
