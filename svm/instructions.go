// Package svm implements the exact payment scheme for fee-sponsored SVM
// networks: the payer signs a delegated-spend approval (or a native
// transfer) and leaves the fee-payer signature slot empty for the
// sponsoring facilitator to complete at settlement.
package svm

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// ComputeBudgetProgramID is the Solana Compute Budget program.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// Token2022ProgramID is the Token Extensions program. Mints owned by it use
// the same instruction layout as the legacy token program.
var Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

const (
	// DefaultComputeUnits is the compute unit limit requested per payment
	// transaction.
	DefaultComputeUnits uint32 = 200_000

	// DefaultComputeUnitPrice is the priority fee in microlamports per
	// compute unit.
	DefaultComputeUnitPrice uint64 = 10_000
)

// Token program instruction discriminators.
const (
	tokenInstructionTransferChecked = 12
	tokenInstructionApproveChecked  = 13
)

// Compute budget program instruction discriminators.
const (
	computeBudgetInstructionSetLimit = 2
	computeBudgetInstructionSetPrice = 3
)

// Associated token program CreateIdempotent instruction index.
const ataInstructionCreateIdempotent = 1

// System program transfer instruction index.
const systemInstructionTransfer = 2

// newSetComputeUnitLimitInstruction builds [2, units u32 LE] for the compute
// budget program.
func newSetComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = computeBudgetInstructionSetLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// newSetComputeUnitPriceInstruction builds [3, microlamports u64 LE] for the
// compute budget program.
func newSetComputeUnitPriceInstruction(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = computeBudgetInstructionSetPrice
	binary.LittleEndian.PutUint64(data[1:], microlamports)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// findAssociatedTokenAddress derives the ATA for an owner and mint under the
// token program that owns the mint. The stock helper assumes the legacy
// token program, which breaks Token-2022 mints.
func findAssociatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindProgramAddress(
		[][]byte{owner.Bytes(), tokenProgram.Bytes(), mint.Bytes()},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token address: %w", err)
	}
	return ata, nil
}

// newCreateIdempotentATAInstruction builds a CreateIdempotent (index 1)
// associated-token-account instruction. Unlike Create it succeeds when the
// account already exists.
func newCreateIdempotentATAInstruction(payer, owner, mint, tokenProgram solana.PublicKey) (solana.Instruction, error) {
	ata, err := findAssociatedTokenAddress(owner, mint, tokenProgram)
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: tokenProgram, IsSigner: false, IsWritable: false},
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{ataInstructionCreateIdempotent}), nil
}

// newApproveCheckedInstruction builds an ApproveChecked granting the
// delegate spend rights over exactly amount. Built by hand so the same code
// serves both token programs.
func newApproveCheckedInstruction(source, mint, delegate, owner solana.PublicKey, amount uint64, decimals uint8, tokenProgram solana.PublicKey) solana.Instruction {
	data := make([]byte, 10)
	data[0] = tokenInstructionApproveChecked
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals

	accounts := solana.AccountMetaSlice{
		{PublicKey: source, IsSigner: false, IsWritable: true},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: delegate, IsSigner: false, IsWritable: false},
		{PublicKey: owner, IsSigner: true, IsWritable: false},
	}
	return solana.NewInstruction(tokenProgram, accounts, data)
}

// newSystemTransferInstruction builds a native lamport transfer.
func newSystemTransferInstruction(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}
