package main

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"raftex/config"
	"raftex/core"
	"raftex/crypto"
	"raftex/native/exchange"
	"raftex/native/settlement"
	"raftex/storage"
)

type auditReport struct {
	Chain             string   `json:"chain"`
	Height            uint64   `json:"height"`
	StateRoot         string   `json:"stateRoot"`
	Owner             string   `json:"owner"`
	PoolValue         string   `json:"poolValue"`
	BookValue         string   `json:"bookValue"`
	Collaterals       int      `json:"collaterals"`
	ActiveCollaterals int      `json:"activeCollaterals"`
	PendingTransfers  int      `json:"pendingTransfers"`
	Files             []string `json:"files"`
}

func main() {
	configPath := flag.String("config", "./config.toml", "Path to node configuration file")
	dataDir := flag.String("data", "", "Data directory to audit (overrides config DataDir; node must not be running)")
	outDir := flag.String("out", "./audit", "Directory for the exported report files")
	flag.Parse()

	dir := *dataDir
	if dir == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		dir = cfg.DataDir
	}

	db, err := storage.NewLevelDB(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database %s: %v\n", dir, err)
		os.Exit(1)
	}
	defer db.Close()

	node, err := core.OpenReadOnly(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open exchange state: %v\n", err)
		os.Exit(1)
	}

	collaterals, err := node.Collaterals()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list collaterals: %v\n", err)
		os.Exit(1)
	}
	pending, err := node.PendingTransfers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list pending transfers: %v\n", err)
		os.Exit(1)
	}
	values, err := node.LedgerValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read ledger values: %v\n", err)
		os.Exit(1)
	}

	runDir := filepath.Join(*outDir, fmt.Sprintf("height_%d", node.Height()))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	files := make([]string, 0, 4)
	csvPath, parquetPath, err := writeCollateralFiles(runDir, collaterals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to export collaterals: %v\n", err)
		os.Exit(1)
	}
	files = append(files, csvPath, parquetPath)

	csvPath, parquetPath, err = writeTransferFiles(runDir, pending)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to export pending transfers: %v\n", err)
		os.Exit(1)
	}
	files = append(files, csvPath, parquetPath)

	active := 0
	for _, record := range collaterals {
		if record.Status == exchange.CollateralActive {
			active++
		}
	}

	root := node.StateRoot()
	report := auditReport{
		Chain:             node.ChainName(),
		Height:            node.Height(),
		StateRoot:         "0x" + hex.EncodeToString(root.Bytes()),
		Owner:             node.OwnerAddress().String(),
		PoolValue:         amountString(values.PoolValue),
		BookValue:         amountString(values.BookValue),
		Collaterals:       len(collaterals),
		ActiveCollaterals: active,
		PendingTransfers:  len(pending),
		Files:             files,
	}
	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}

func writeCollateralFiles(dir string, records []exchange.Collateral) (string, string, error) {
	csvPath := filepath.Join(dir, "collaterals.csv")
	if err := writeCollateralCSV(csvPath, records); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(dir, "collaterals.parquet")
	if err := writeCollateralParquet(parquetPath, records); err != nil {
		return "", "", err
	}
	return csvPath, parquetPath, nil
}

func writeTransferFiles(dir string, transfers []settlement.Transfer) (string, string, error) {
	csvPath := filepath.Join(dir, "transfers_pending.csv")
	if err := writeTransferCSV(csvPath, transfers); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(dir, "transfers_pending.parquet")
	if err := writeTransferParquet(parquetPath, transfers); err != nil {
		return "", "", err
	}
	return csvPath, parquetPath, nil
}

func writeCollateralCSV(path string, records []exchange.Collateral) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"id", "issuer", "token", "token_amount", "raft", "raft_amount",
		"pooled", "status", "created_height", "redeemed_height",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, record := range records {
		row := []string{
			strconv.FormatUint(record.ID, 10),
			accountString(record.Issuer),
			record.Token,
			amountString(record.TokenAmount),
			record.Raft,
			amountString(record.RaftAmount),
			strconv.FormatBool(record.JoinDebtPool),
			record.Status.String(),
			strconv.FormatUint(record.CreatedAt, 10),
			strconv.FormatUint(record.RedeemedAt, 10),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

func writeTransferCSV(path string, transfers []settlement.Transfer) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"id", "recipient", "token", "amount", "status",
		"created_height", "resolved_height", "attempts",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, transfer := range transfers {
		row := []string{
			"0x" + hex.EncodeToString(transfer.ID[:]),
			accountString(transfer.Recipient),
			transfer.Token,
			amountString(transfer.Amount),
			transfer.Status.String(),
			strconv.FormatUint(transfer.CreatedAt, 10),
			strconv.FormatUint(transfer.ResolvedAt, 10),
			strconv.FormatUint(uint64(transfer.Attempts), 10),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

type collateralRow struct {
	ID             int64  `parquet:"name=id, type=INT64"`
	Issuer         string `parquet:"name=issuer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Token          string `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenAmount    string `parquet:"name=token_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Raft           string `parquet:"name=raft, type=BYTE_ARRAY, convertedtype=UTF8"`
	RaftAmount     string `parquet:"name=raft_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Pooled         bool   `parquet:"name=pooled, type=BOOLEAN"`
	Status         string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedHeight  int64  `parquet:"name=created_height, type=INT64"`
	RedeemedHeight int64  `parquet:"name=redeemed_height, type=INT64"`
}

type transferRow struct {
	ID             string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Recipient      string `parquet:"name=recipient, type=BYTE_ARRAY, convertedtype=UTF8"`
	Token          string `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount         string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status         string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedHeight  int64  `parquet:"name=created_height, type=INT64"`
	ResolvedHeight int64  `parquet:"name=resolved_height, type=INT64"`
	Attempts       int32  `parquet:"name=attempts, type=INT32"`
}

func writeCollateralParquet(path string, records []exchange.Collateral) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(collateralRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, record := range records {
		row := &collateralRow{
			ID:             int64(record.ID),
			Issuer:         accountString(record.Issuer),
			Token:          record.Token,
			TokenAmount:    amountString(record.TokenAmount),
			Raft:           record.Raft,
			RaftAmount:     amountString(record.RaftAmount),
			Pooled:         record.JoinDebtPool,
			Status:         record.Status.String(),
			CreatedHeight:  int64(record.CreatedAt),
			RedeemedHeight: int64(record.RedeemedAt),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

func writeTransferParquet(path string, transfers []settlement.Transfer) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(transferRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, transfer := range transfers {
		row := &transferRow{
			ID:             "0x" + hex.EncodeToString(transfer.ID[:]),
			Recipient:      accountString(transfer.Recipient),
			Token:          transfer.Token,
			Amount:         amountString(transfer.Amount),
			Status:         transfer.Status.String(),
			CreatedHeight:  int64(transfer.CreatedAt),
			ResolvedHeight: int64(transfer.ResolvedAt),
			Attempts:       int32(transfer.Attempts),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

func accountString(addr [20]byte) string {
	return crypto.NewAddress(crypto.RFTPrefix, addr[:]).String()
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
