// Package buildhook augments PEP 517 build-backend hooks with
// CUDA-variant-pinned runtime requirements.
//
// The three get_requires_for_build_* hooks are composed as
// Augment(base, appendFn, env): the base hook runs untouched, then the entries
// produced by appendFn are appended in order. Artifact-producing hooks
// (prepare_metadata_for_build_wheel, build_wheel, build_sdist) are forwarded to
// the base backend unchanged.
package buildhook
