package pipeline

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zboralski/vmprotect/internal/bundle"
	"github.com/zboralski/vmprotect/internal/bytecode"
	"github.com/zboralski/vmprotect/internal/config"
	"github.com/zboralski/vmprotect/internal/elfimage"
	"github.com/zboralski/vmprotect/internal/lifter"
	"github.com/zboralski/vmprotect/internal/vlog"
)

// exportProtectedPackage implements exportProtectedPackage from
// zPipelineExport.cpp: translate every requested function, merge and
// dedup their external branch targets into one shared table, remap
// each function's OP_BL operands against that table, dump the
// per-function artifacts, and assemble the expanded bundle library.
// It returns the expanded bundle bytes (also written to disk at
// cfg.ExpandedSo, which runProtect re-reads as its embed payload) plus
// the raw payload/shared-address lists for logging.
func exportProtectedPackage(
	cfg config.Config,
	log *vlog.Logger,
	img *elfimage.ElfImage,
	names []string,
	views []*elfimage.FunctionView,
) (bundleBytes []byte, payloads []bundle.Payload, sharedAddrs []uint64, err error) {
	datas := make([]*bytecode.FunctionData, len(views))
	for i, fv := range views {
		d, terr := lifter.Translate(fv, fv.Offset)
		if terr != nil {
			return nil, nil, nil, fmt.Errorf("%w: translate %s: %v", ErrTranslate, names[i], terr)
		}
		datas[i] = d
	}

	seen := make(map[uint64]bool)
	for _, d := range datas {
		for _, addr := range lifter.SharedBranchAddrs(d) {
			if !seen[addr] {
				seen[addr] = true
				sharedAddrs = append(sharedAddrs, addr)
			}
		}
	}

	shared := make(map[uint64]uint32, len(sharedAddrs))
	for i, addr := range sharedAddrs {
		shared[addr] = uint32(i)
	}

	sharedBranchPath := joinOutputPath(cfg.OutputDir, cfg.SharedBranchFile)
	if err := writeFileAtomic(sharedBranchPath, renderSharedBranchList(sharedAddrs), 0o644); err != nil {
		return nil, nil, nil, fmt.Errorf("pipeline: write shared branch list: %w", err)
	}

	payloads = make([]bundle.Payload, len(datas))
	for i, d := range datas {
		name := names[i]
		if err := lifter.RemapBLToShared(d, shared); err != nil {
			return nil, nil, nil, fmt.Errorf("pipeline: remap OP_BL for %s: %w", name, err)
		}

		txt, _ := lifter.Dump(d, lifter.ModeUnencoded)
		if err := writeFileAtomic(joinOutputPath(cfg.OutputDir, name+".txt"), txt, 0o644); err != nil {
			return nil, nil, nil, fmt.Errorf("pipeline: write %s.txt: %w", name, err)
		}

		vmb, err := lifter.Dump(d, lifter.ModeUnencodedBin)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("pipeline: dump %s unencoded-bin: %w", name, err)
		}
		if err := writeFileAtomic(joinOutputPath(cfg.OutputDir, name+".vmb"), vmb, 0o644); err != nil {
			return nil, nil, nil, fmt.Errorf("pipeline: write %s.vmb: %w", name, err)
		}

		encoded, err := lifter.Dump(d, lifter.ModeEncoded)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("pipeline: dump %s encoded: %w", name, err)
		}
		if err := writeFileAtomic(joinOutputPath(cfg.OutputDir, name+".bin"), encoded, 0o644); err != nil {
			return nil, nil, nil, fmt.Errorf("pipeline: write %s.bin: %w", name, err)
		}

		payloads[i] = bundle.Payload{FunAddr: d.FunctionOffset, Bytes: encoded}
		log.FunctionResult(name, true, "")
	}

	bundleBytes, err = bundle.Write(img.Buf, payloads, sharedAddrs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pipeline: write bundle: %w", err)
	}

	expandedPath := joinOutputPath(cfg.OutputDir, cfg.ExpandedSo)
	if err := writeFileAtomic(expandedPath, bundleBytes, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("pipeline: write expanded so: %w", err)
	}
	log.Stage("expanded-so", zap.String("path", expandedPath), zap.Int("size", len(bundleBytes)))

	return bundleBytes, payloads, sharedAddrs, nil
}

// renderSharedBranchList mirrors writeSharedBranchAddrList from
// zPipelineExport.cpp: a small C source fragment a downstream build of
// the VM engine can #include directly, rather than a private binary
// format spec.md does not define.
func renderSharedBranchList(addrs []uint64) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "static const uint64_t branch_addr_count = %d;\n", len(addrs))
	if len(addrs) == 0 {
		b.WriteString("uint64_t branch_addr_list[1] = {};\n")
		return []byte(b.String())
	}
	b.WriteString("uint64_t branch_addr_list[] = { ")
	for i, a := range addrs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "0x%x", a)
	}
	b.WriteString(" };\n")
	return []byte(b.String())
}
