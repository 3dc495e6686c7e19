package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitFromWebhookPath(t *testing.T) {
	const prefix = "github-package-update"
	tests := []struct {
		path string
		unit string
		ok   bool
	}{
		{"/github-package-update/svc-alpha", "svc-alpha.service", true},
		{"/github-package-update/svc-alpha/redeploy", "svc-alpha.service", true},
		{"/github-package-update/svc-alpha.service", "svc-alpha.service", true},
		{"/github-package-update/", "", false},
		{"/github-package-update/svc/extra/deep", "", false},
		{"/github-package-update/svc-alpha/destroy", "", false},
		{"/other-prefix/svc-alpha", "", false},
		{"/github-package-update/bad name", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			unit, ok := unitFromWebhookPath(tt.path, prefix)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.unit, unit)
		})
	}
}

func TestImageFromPayload(t *testing.T) {
	body := webhookBody("Koha", "Svc-Alpha", "main")
	image, reason := imageFromPayload(body)
	require.Empty(t, reason)
	assert.Equal(t, "ghcr.io/koha/svc-alpha:main", image, "owner and name lowercased")

	_, reason = imageFromPayload([]byte(`{}`))
	assert.Equal(t, "missing-package-node", reason)

	_, reason = imageFromPayload([]byte(`not json`))
	assert.Equal(t, "missing-package-node", reason)

	_, reason = imageFromPayload([]byte(`{"package":{"package_type":"container","owner":{"login":"a"}}}`))
	assert.Equal(t, "missing-package-name", reason)

	_, reason = imageFromPayload([]byte(`{"package":{"package_type":"container","name":"x","owner":{"login":"a"}}}`))
	assert.Equal(t, "missing-tag", reason)
}

func TestImageFromPayloadTagsFallback(t *testing.T) {
	body := []byte(`{"registry_package":{"package_type":"container","name":"svc","owner":{"login":"koha"},
		"package_version":{"tags":["","v2"]}}}`)
	image, reason := imageFromPayload(body)
	require.Empty(t, reason)
	assert.Equal(t, "ghcr.io/koha/svc:v2", image, "first non-empty tag wins")
}

func TestImageFromPayloadRegistryHost(t *testing.T) {
	body := []byte(`{"registry_package":{"package_type":"container","name":"svc","owner":{"login":"koha"},
		"registry":{"url":"https://Registry.Example:5000/v2"},
		"package_version":{"container_metadata":{"tag":{"name":"main"}}}}}`)
	image, reason := imageFromPayload(body)
	require.Empty(t, reason)
	assert.Equal(t, "registry.example:5000/koha/svc:main", image)
}
