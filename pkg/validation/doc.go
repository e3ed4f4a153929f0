// Package validation runs a pattern's post-deployment checks and decides
// whether the deployment passed.
package validation
