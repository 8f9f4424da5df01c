package workflow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/thurmanlabs/settlement_backend/models"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// BuildInvestorReport renders one package's servicing history and holder
// distribution table as an xlsx workbook. The caller owns writing/closing
// the returned file.
func BuildInvestorReport(ctx context.Context, db *gorm.DB, packageId int) (*excelize.File, error) {

	tx := db.WithContext(ctx)
	pkg, err := models.GetPackageById(tx, packageId)
	if err != nil {
		return nil, err
	}

	snapshots, err := models.GetSnapshots(tx, packageId)
	if _, ok := err.(*models.NoSnapshotsError); err != nil && !ok {
		return nil, err
	}
	holders, err := models.GetHolders(tx, packageId)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheetName := "Servicing"
	f.SetSheetName("Sheet1", sheetName)

	f.SetCellValue(sheetName, "A1", "Seq")
	f.SetCellValue(sheetName, "B1", "Timestamp")
	f.SetCellValue(sheetName, "C1", "Principal")
	f.SetCellValue(sheetName, "D1", "Interest")
	f.SetCellValue(sheetName, "E1", "PrincipalOutstanding")
	f.SetCellValue(sheetName, "F1", "DataHash")
	f.SetCellValue(sheetName, "G1", "OverAmortized")

	lastPayment := decimal.Zero
	for i, s := range snapshots {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(sheetName, "A"+row, s.SequenceNo)
		f.SetCellValue(sheetName, "B"+row, s.Timestamp.Format("2006-01-02 15:04:05"))
		f.SetCellValue(sheetName, "C"+row, s.PrincipalCollected.String())
		f.SetCellValue(sheetName, "D"+row, s.InterestCollected.String())
		f.SetCellValue(sheetName, "E"+row, s.PrincipalOutstanding.String())
		f.SetCellValue(sheetName, "F"+row, s.ServicingDataHash)
		f.SetCellValue(sheetName, "G"+row, s.OverAmortized)
		lastPayment = s.PrincipalCollected.Add(s.InterestCollected)
	}

	holderSheet := "Holders"
	if _, err := f.NewSheet(holderSheet); err != nil {
		return nil, err
	}
	f.SetCellValue(holderSheet, "A1", "Holder")
	f.SetCellValue(holderSheet, "B1", "Balance")
	f.SetCellValue(holderSheet, "C1", "ShareOfLatestPayment")
	for i, h := range holders {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(holderSheet, "A"+row, h.HolderAddress)
		f.SetCellValue(holderSheet, "B"+row, h.Balance.String())
		f.SetCellValue(holderSheet, "C"+row, DistributionShare(lastPayment, h.Balance, pkg.TotalSupply).String())
	}

	return f, nil
}
