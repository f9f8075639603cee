package reports

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderHTMLSummary(t *testing.T) {
	data, err := fixedBuilder(branchCatalog()).Build(context.Background(), branchDesign(), KindDesignSummary)
	require.NoError(t, err)

	out, err := RenderHTML(data)
	require.NoError(t, err)
	html := string(out)

	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
	assert.Contains(t, html, "<title>Design summary: Branch office</title>")
	assert.Contains(t, html, "generated 2026-05-04 10:00 UTC")
	for _, section := range []string{"<h2>Subnets</h2>", "<h2>VLANs</h2>", "<h2>Devices</h2>", "<h2>Bill of materials</h2>", "<h2>Topology</h2>", "<h2>Warnings</h2>"} {
		assert.Contains(t, html, section)
	}
	assert.Contains(t, html, "<td>acc1, acc2</td>")
	assert.Contains(t, html, `<td class="num">900</td>`)
	assert.Contains(t, html, "2 device(s) have no catalog equipment assigned.")
	assert.Contains(t, html, "<td>core1</td></tr>")
}

func TestRenderHTMLIPPlanOmitsInventory(t *testing.T) {
	data, err := fixedBuilder(nil).Build(context.Background(), branchDesign(), KindIPPlan)
	require.NoError(t, err)
	out, err := RenderHTML(data)
	require.NoError(t, err)

	assert.Contains(t, string(out), "<h2>Subnets</h2>")
	assert.NotContains(t, string(out), "<h2>Devices</h2>")
	assert.NotContains(t, string(out), "<h2>Bill of materials</h2>")
	assert.NotContains(t, string(out), "<h2>Topology</h2>")
}

func TestRenderHTMLEscapesDesignText(t *testing.T) {
	d := branchDesign()
	d.Name = `<script>alert("x")</script>`
	data, err := fixedBuilder(nil).Build(context.Background(), d, KindIPPlan)
	require.NoError(t, err)
	out, err := RenderHTML(data)
	require.NoError(t, err)

	assert.NotContains(t, string(out), "<script>")
	assert.Contains(t, string(out), "&lt;script&gt;")
}
