package gemini

import (
	"context"
	"net/http"
	"testing"

	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestListModels_StaticListPreferred(t *testing.T) {
	c := NewConnector(connector.Config{
		Name:      "gemini-ca",
		ProjectID: "proj-1",
		Models:    []string{"gemini-2.5-pro", "gemini-2.5-flash"},
	}, http.DefaultClient, zap.NewNop())

	models, err := c.ListModels(context.Background(), connector.Key{Name: "k1", Secret: "tok"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[0] != "gemini-2.5-pro" {
		t.Fatalf("models = %v", models)
	}
}

func TestListModels_CodeAssistWithoutStaticsWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	c := NewConnector(connector.Config{
		Name:      "gemini-ca",
		ProjectID: "proj-1",
	}, http.DefaultClient, zap.New(core))

	models, err := c.ListModels(context.Background(), connector.Key{Name: "k1", Secret: "tok"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 0 {
		t.Fatalf("models = %v", models)
	}
	if logs.FilterMessageSnippet("no model listing").Len() == 0 {
		t.Fatal("missing warning about the absent static models list")
	}
}
