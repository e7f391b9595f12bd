package storage

import "testing"

func TestBuildCoverImagePath(t *testing.T) {
	path, err := BuildObjectPath(PurposeCoverImage, PathParams{
		ProductID: "prd_123",
		FileName:  "front.jpg",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "covers/prd_123/front.jpg"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildInvoicePathUsesInvoiceNumber(t *testing.T) {
	path, err := BuildObjectPath(PurposeInvoice, PathParams{
		OrderID:       "ord_123",
		InvoiceNumber: "ORD-202501-0001",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "orders/ord_123/invoices/ORD-202501-0001.pdf"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	_, err := BuildObjectPath(PurposeCoverImage, PathParams{
		ProductID: "../bad",
		FileName:  "file.png",
	})
	if err == nil {
		t.Fatalf("expected error for invalid segment")
	}
}
